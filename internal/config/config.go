/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for allowgated.

Configuration is resolved in this order (highest priority first):
 1. CLI flags (explicitly passed)
 2. Config file values
 3. Built-in defaults
*/
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ushineko/allowgate/internal/policy"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for allowgated.
type Config struct {
	Listen     string     `yaml:"listen"`
	LogDir     string     `yaml:"log_dir"`
	Verbose    bool       `yaml:"verbose"`
	DataDir    string     `yaml:"data_dir"`
	Auth       Auth       `yaml:"auth"`
	Allowlist  []string   `yaml:"allowlist"`
	Timeouts   Timeouts   `yaml:"timeouts"`
	Forward    Forward    `yaml:"forward"`
	CORS       CORS       `yaml:"cors"`
	Tunnel     Tunnel     `yaml:"tunnel"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Management Management `yaml:"management"`
	Stats      Stats      `yaml:"stats"`
}

// Auth holds proxy credentials.
type Auth struct {
	Realm  string   `yaml:"realm"`
	Users  []User   `yaml:"users"`
	Tokens []string `yaml:"tokens"`
}

// User is a Basic auth account. Password may be plaintext or a bcrypt hash.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Timeouts holds proxy timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	Connect    Duration `yaml:"connect"`
	ReadHeader Duration `yaml:"read_header"`
	// Idle bounds the wait for origin response headers and closes silent
	// tunnels. Zero disables the tunnel idle timeout.
	Idle Duration `yaml:"idle"`
}

// Forward holds HTTP forwarding options.
type Forward struct {
	Anonymize       bool     `yaml:"anonymize"`
	Disguise        Disguise `yaml:"disguise"`
	FollowRedirects bool     `yaml:"follow_redirects"`
}

// Disguise replaces the client's User-Agent and Referer.
type Disguise struct {
	Enabled   bool   `yaml:"enabled"`
	UserAgent string `yaml:"user_agent"`
}

// CORS holds CORS injection configuration.
type CORS struct {
	Enabled bool     `yaml:"enabled"`
	MaxAge  Duration `yaml:"max_age"`
}

// Tunnel holds CONNECT tunnel configuration.
type Tunnel struct {
	HalfClose  bool   `yaml:"half_close"`
	ProxyAgent string `yaml:"proxy_agent"`
}

// RateLimit holds per-client rate limiting configuration.
type RateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Management holds management endpoint configuration.
type Management struct {
	PathPrefix string `yaml:"path_prefix"`
	// RecentLogs is how many log entries {prefix}/logs keeps in memory.
	// Zero disables the endpoint.
	RecentLogs int `yaml:"recent_logs"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// DefaultUserAgent is used by disguise mode when no user_agent is set.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:  ":8080",
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		Auth: Auth{
			Realm: "allowgate",
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			Connect:    Duration{30 * time.Second},
			ReadHeader: Duration{10 * time.Second},
			Idle:       Duration{30 * time.Second},
		},
		Forward: Forward{
			Disguise: Disguise{UserAgent: DefaultUserAgent},
		},
		CORS: CORS{
			MaxAge: Duration{10 * time.Minute},
		},
		RateLimit: RateLimit{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Management: Management{
			PathPrefix: "/ag",
			RecentLogs: 1000,
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for allowgate.yml or allowgate.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"allowgate.yml", "allowgate.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr    *string
	LogDir  *string
	Verbose *bool
	DataDir *string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	errs = append(errs, validateAuth(c.Auth)...)
	errs = append(errs, validateAllowlist(c.Allowlist)...)

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}
	if c.Timeouts.Idle.Duration < 0 {
		errs = append(errs, fmt.Sprintf("timeouts.idle: must not be negative, got %s", c.Timeouts.Idle))
	}

	if c.Forward.Disguise.Enabled && strings.TrimSpace(c.Forward.Disguise.UserAgent) == "" {
		errs = append(errs, "forward.disguise.user_agent: required when disguise is enabled")
	}

	if c.CORS.MaxAge.Duration < 0 {
		errs = append(errs, fmt.Sprintf("cors.max_age: must not be negative, got %s", c.CORS.MaxAge))
	}

	if strings.ContainsAny(c.Tunnel.ProxyAgent, "\r\n") {
		errs = append(errs, "tunnel.proxy_agent: must not contain line breaks")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, fmt.Sprintf("rate_limit.requests_per_second: must be positive, got %g", c.RateLimit.RequestsPerSecond))
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, fmt.Sprintf("rate_limit.burst: must be at least 1, got %d", c.RateLimit.Burst))
		}
	}

	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if c.Management.RecentLogs < 0 {
		errs = append(errs, fmt.Sprintf("management.recent_logs: must be >= 0, got %d", c.Management.RecentLogs))
	}
	if !strings.HasPrefix(c.Management.PathPrefix, "/") {
		errs = append(errs, fmt.Sprintf("management.path_prefix: must start with /, got %q", c.Management.PathPrefix))
	} else if strings.TrimSuffix(c.Management.PathPrefix, "/") == "" {
		errs = append(errs, "management.path_prefix: must not be the root path")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validateAuth checks credentials. A proxy with no credentials would
// refuse every request, so at least one user or token is required.
func validateAuth(a Auth) []string {
	var errs []string
	if len(a.Users) == 0 && len(a.Tokens) == 0 {
		errs = append(errs, "auth: at least one user or token is required")
	}
	if strings.ContainsAny(a.Realm, "\"\r\n") {
		errs = append(errs, fmt.Sprintf("auth.realm: invalid realm %q", a.Realm))
	}
	seen := make(map[string]bool, len(a.Users))
	for i, u := range a.Users {
		switch {
		case u.Username == "" || strings.Contains(u.Username, ":"):
			errs = append(errs, fmt.Sprintf("auth.users[%d]: invalid username %q", i, u.Username))
		case seen[u.Username]:
			errs = append(errs, fmt.Sprintf("auth.users[%d]: duplicate username %q", i, u.Username))
		}
		seen[u.Username] = true
		if u.Password == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: password is required", i))
		}
	}
	for i, tok := range a.Tokens {
		if strings.TrimSpace(tok) == "" || strings.ContainsAny(tok, " \t") {
			errs = append(errs, fmt.Sprintf("auth.tokens[%d]: tokens must be non-empty without whitespace", i))
		}
	}
	return errs
}

// validateAllowlist checks that allow-list entries are hostnames or IP
// literals. An entry also matches its subdomains, so wildcards are refused.
func validateAllowlist(entries []string) []string {
	var errs []string
	for i, entry := range entries {
		if strings.HasPrefix(entry, "*.") {
			errs = append(errs, fmt.Sprintf("allowlist[%d]: use %q, entries already match subdomains", i, entry[2:]))
			continue
		}
		if _, err := policy.NormalizeHost(entry); err != nil {
			errs = append(errs, fmt.Sprintf("allowlist[%d]: invalid entry %q", i, entry))
		}
	}
	return errs
}

// Policy builds the access policy described by the auth and allowlist
// sections.
func (c *Config) Policy() (*policy.Policy, error) {
	users := make([]policy.User, 0, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		users = append(users, policy.User{Username: u.Username, Password: u.Password})
	}
	p, err := policy.New(users, c.Auth.Tokens, c.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("build policy: %w", err)
	}
	return p, nil
}

// ErrNoPolicy is returned by LoadPolicy when the file yields no credentials.
var ErrNoPolicy = errors.New("config defines no credentials")

// LoadPolicy re-reads and validates the config at path and returns the
// policy it describes. It is used to reload the policy at runtime.
func LoadPolicy(path string) (*policy.Policy, error) {
	cfg, _, err := Load(path)
	if err != nil {
		return nil, err
	}
	if len(cfg.Auth.Users) == 0 && len(cfg.Auth.Tokens) == 0 {
		return nil, ErrNoPolicy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.Policy()
}

// Dump serializes the config to YAML. Secrets are masked.
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	masked.Auth.Users = make([]User, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		masked.Auth.Users[i] = User{Username: u.Username, Password: maskSecret(u.Password)}
	}
	masked.Auth.Tokens = make([]string, len(c.Auth.Tokens))
	for i, tok := range c.Auth.Tokens {
		masked.Auth.Tokens[i] = maskSecret(tok)
	}
	return yaml.Marshal(&masked)
}

func maskSecret(s string) string {
	if policy.IsHashed(s) {
		return s[:4] + "***"
	}
	return "***"
}
