/*
Allowgated - authenticated, allow-listed HTTP/HTTPS forward proxy.

Usage:

	allowgated [flags]
	allowgated version
	allowgated config dump [flags]
	allowgated config validate [flags]
	allowgated policy check [flags] HOST
	allowgated hash-password [flags]
*/
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/spf13/cobra"
	"github.com/ushineko/allowgate/internal/access"
	"github.com/ushineko/allowgate/internal/config"
	"github.com/ushineko/allowgate/internal/logbuf"
	"github.com/ushineko/allowgate/internal/logging"
	"github.com/ushineko/allowgate/internal/metrics"
	"github.com/ushineko/allowgate/internal/policy"
	"github.com/ushineko/allowgate/internal/probe"
	"github.com/ushineko/allowgate/internal/proxy"
	"github.com/ushineko/allowgate/internal/stats"
	"github.com/ushineko/allowgate/internal/version"
)

const (
	rdnsCacheTTL  = 10 * time.Minute
	dialKeepAlive = 30 * time.Second
	statsDBName   = "stats.db"
)

var (
	// CLI flags. These override config file values when explicitly set.
	flagAddr       string
	flagLogDir     string
	flagVerbose    bool
	flagDataDir    string
	flagConfigPath string

	flagCheckUser     string
	flagCheckPassword string
	flagCheckToken    string
	flagHashPassword  string
)

var rootCmd = &cobra.Command{
	Use:          "allowgated",
	Short:        "Allowgate - authenticated, allow-listed forward proxy",
	RunE:         runProxy,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML (secrets masked)",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the access policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check HOST",
	Short: "Report whether a credential may reach HOST",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyCheck,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for use in auth.users[].password",
	RunE:  runHashPassword,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: allowgate.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for stats.db")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	policyCheckCmd.Flags().StringVarP(&flagCheckUser, "user", "u", "", "Basic auth username")
	policyCheckCmd.Flags().StringVarP(&flagCheckPassword, "password", "p", "", "Basic auth password")
	policyCheckCmd.Flags().StringVarP(&flagCheckToken, "token", "t", "", "bearer token")
	policyCheckCmd.MarkFlagsMutuallyExclusive("user", "token")

	hashPasswordCmd.Flags().StringVarP(&flagHashPassword, "password", "p", "", "password to hash (read from stdin if omitted)")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags. It
// also returns the path of the file that was read, if any.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, "", err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Only flags that were explicitly set override the file.
	overrides := config.CLIOverrides{}

	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		overrides.Addr = &flagAddr
	}
	if f := cmd.Flags().Lookup("log-dir"); f != nil && f.Changed {
		overrides.LogDir = &flagLogDir
	}
	if f := cmd.Flags().Lookup("verbose"); f != nil && f.Changed {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, cfgPath, err
	}

	return cfg, cfgPath, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}

	var (
		extra       []slog.Handler
		logsHandler http.HandlerFunc
	)
	if cfg.Management.RecentLogs > 0 {
		recent := logbuf.New(cfg.Management.RecentLogs)
		extra = append(extra, recent.Handler(logLevel))
		logsHandler = probe.LogsHandler(recent)
	}

	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
		Extra:   extra,
	})
	defer cleanup()

	pol, err := cfg.Policy()
	if err != nil {
		return err
	}
	store := policy.NewStore(pol)
	m := metrics.New()

	controller := access.New(access.Config{
		Store:   store,
		Logger:  logger.With("component", "access"),
		Metrics: m,
		Realm:   cfg.Auth.Realm,
	})

	logger.Info("policy loaded",
		"users", pol.UserCount(),
		"tokens", pol.TokenCount(),
		"allowlist_entries", len(pol.Allowlist()),
	)

	// In-memory counters are always kept; the database is optional.
	collector := stats.NewCollector()

	var statsDB *stats.DB
	if cfg.Stats.Enabled {
		statsDBPath := filepath.Join(cfg.DataDir, statsDBName)
		statsDB, err = stats.Open(statsDBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		logger.Info("stats database initialized",
			"path", statsDBPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	userAgent := ""
	if cfg.Forward.Disguise.Enabled {
		userAgent = cfg.Forward.Disguise.UserAgent
	}

	srv := proxy.New(&proxy.Config{
		ListenAddr: cfg.Listen,
		Logger:     logger,
		Verbose:    cfg.Verbose,
		Access:     controller,
		Dialer: &transport.TCPDialer{Dialer: net.Dialer{
			Timeout:   cfg.Timeouts.Connect.Duration,
			KeepAlive: dialKeepAlive,
		}},
		ConnectTimeout:    cfg.Timeouts.Connect.Duration,
		IdleTimeout:       cfg.Timeouts.Idle.Duration,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
		ManagementPrefix:  cfg.Management.PathPrefix,
		Forward: proxy.ForwardOptions{
			Anonymize:       cfg.Forward.Anonymize,
			UserAgent:       userAgent,
			FollowRedirects: cfg.Forward.FollowRedirects,
		},
		CORS: proxy.CORSOptions{
			Enabled: cfg.CORS.Enabled,
			MaxAge:  cfg.CORS.MaxAge.Duration,
		},
		RateLimit: proxy.RateLimitOptions{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Tunnel: proxy.TunnelOptions{
			HalfClose:  cfg.Tunnel.HalfClose,
			ProxyAgent: cfg.Tunnel.ProxyAgent,
		},
		Metrics:       m,
		LogsHandler:   logsHandler,
		OnRequest:     collector.RecordRequest,
		OnTunnelClose: collector.RecordTunnel,
	})

	// The probe handlers need the server itself as their ServerInfo.
	srv.SetHandlers(
		probe.HeartbeatHandler(srv, store),
		probe.StatsHandler(&probe.StatsProvider{
			Info:      srv,
			Collector: collector,
			DB:        statsDB,
			Resolver:  probe.NewReverseDNS(rdnsCacheTTL),
		}),
	)

	if statsDB != nil {
		statsDB.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfgPath != "" {
		go watchReload(ctx, cfgPath, store, m, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"log_dir", cfg.LogDir,
			"verbose", cfg.Verbose,
			"stats_enabled", cfg.Stats.Enabled,
			"rate_limit", cfg.RateLimit.Enabled,
			"cors", cfg.CORS.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	logger.Info("proxy stopped")
	return nil
}

// watchReload re-reads the policy from cfgPath on SIGHUP and swaps it in.
// A config that fails to load or validate leaves the current policy active.
func watchReload(ctx context.Context, cfgPath string, store *policy.Store, m *metrics.Metrics, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		pol, err := config.LoadPolicy(cfgPath)
		if err != nil {
			m.PolicyReload(false)
			logger.Error("policy reload failed, keeping current policy",
				"path", cfgPath,
				"error", err,
			)
			continue
		}
		store.Swap(pol)
		m.PolicyReload(true)
		logger.Info("policy reloaded",
			"path", cfgPath,
			"users", pol.UserCount(),
			"tokens", pol.TokenCount(),
			"allowlist_entries", len(pol.Allowlist()),
		)
	}
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "config: valid")
	return nil
}

// errDenied makes policy check exit non-zero without extra output.
var errDenied = errors.New("denied")

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pol, err := cfg.Policy()
	if err != nil {
		return err
	}

	h := http.Header{}
	switch {
	case flagCheckToken != "":
		h.Set("Proxy-Authorization", "Bearer "+flagCheckToken)
	case flagCheckUser != "":
		raw := flagCheckUser + ":" + flagCheckPassword
		h.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}

	controller := access.New(access.Config{
		Store:  policy.NewStore(pol),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Realm:  cfg.Auth.Realm,
	})

	host := args[0]
	if target, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = target
	}

	d := controller.Authorize(h, host)
	out := cmd.OutOrStdout()
	if d.Allowed {
		fmt.Fprintf(out, "allowed: %s (rule %s, %s)\n", host, d.Rule, d.Credential.Masked())
		return nil
	}
	fmt.Fprintf(out, "denied: %s (%d %s)\n", host, d.Status(), d.Reason())
	cmd.SilenceErrors = true
	return errDenied
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	password := flagHashPassword
	if password == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := policy.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
