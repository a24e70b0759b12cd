/*
Package access decides whether a proxied request may proceed.

A Controller parses the Proxy-Authorization header, checks the credential
and the target host against the current policy, and returns a Decision.
Every decision is logged with a masked credential identity and counted.
Callers map a denied Decision to 407 or 403 and must not contact the
target.
*/
package access

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ushineko/allowgate/internal/metrics"
	"github.com/ushineko/allowgate/internal/policy"
)

// Deny reasons. A denied Decision carries exactly one of these.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDestinationDenied  = errors.New("destination not permitted")
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed    bool
	Err        error
	Host       string
	Credential policy.Credential
	// Rule is the allow-list entry that matched, if any.
	Rule string
}

// Reason returns the deny reason, or "" when allowed.
func (d Decision) Reason() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Error()
}

// Status returns the HTTP status a proxy should answer a denied request
// with: 407 for credential problems, 403 for a refused destination.
func (d Decision) Status() int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case errors.Is(d.Err, ErrDestinationDenied):
		return http.StatusForbidden
	default:
		return http.StatusProxyAuthRequired
	}
}

// Controller evaluates requests against a policy.Store.
type Controller struct {
	store   *policy.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	realm   string
}

// Config holds Controller configuration.
type Config struct {
	// Store supplies the current policy. Required.
	Store *policy.Store
	// Logger receives one entry per decision. If nil, slog.Default is used.
	Logger *slog.Logger
	// Metrics counts decisions. May be nil.
	Metrics *metrics.Metrics
	// Realm is advertised in Proxy-Authenticate challenges. Empty uses "allowgate".
	Realm string
}

// New creates a Controller.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	realm := cfg.Realm
	if realm == "" {
		realm = "allowgate"
	}
	return &Controller{
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		realm:   realm,
	}
}

// Authorize checks the request credential and then the target host.
// Both checks use the same policy snapshot.
func (c *Controller) Authorize(h http.Header, targetHost string) Decision {
	p := c.store.Load()
	d := c.authenticate(p, h)
	d.Host = targetHost
	if d.Err == nil {
		if rule, ok := p.MatchHost(targetHost); ok {
			d.Allowed = true
			d.Rule = rule
		} else {
			d.Err = ErrDestinationDenied
		}
	}
	c.record(d)
	return d
}

// Authenticate checks only the request credential. It is used for requests
// that never reach a target, such as synthesized CORS preflights.
func (c *Controller) Authenticate(h http.Header, targetHost string) Decision {
	d := c.authenticate(c.store.Load(), h)
	d.Host = targetHost
	d.Allowed = d.Err == nil
	c.record(d)
	return d
}

func (c *Controller) authenticate(p *policy.Policy, h http.Header) Decision {
	cred, err := ParseCredential(h.Get("Proxy-Authorization"))
	if err != nil {
		return Decision{Err: err}
	}
	if !p.IsValidCredential(cred) {
		return Decision{Err: ErrInvalidCredentials, Credential: cred}
	}
	return Decision{Credential: cred}
}

func (c *Controller) record(d Decision) {
	c.metrics.ObserveDecision(d.Allowed, d.Reason())
	if d.Allowed {
		c.logger.Debug("access allowed",
			"host", d.Host,
			"rule", d.Rule,
			"credential", d.Credential.Masked(),
		)
		return
	}
	c.logger.Warn("access denied",
		"host", d.Host,
		"reason", d.Reason(),
		"credential", d.Credential.Masked(),
	)
}

// Challenges returns the Proxy-Authenticate values sent with a 407.
func (c *Controller) Challenges() []string {
	return []string{
		`Basic realm="` + c.realm + `"`,
		`Bearer realm="` + c.realm + `"`,
	}
}

// ParseCredential parses a Proxy-Authorization header value. Supported
// schemes are Basic and Bearer (case-insensitive). Anything else,
// including an empty value, yields ErrMissingCredentials.
func ParseCredential(header string) (policy.Credential, error) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return policy.Credential{}, ErrMissingCredentials
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return policy.Credential{}, ErrMissingCredentials
	}

	switch strings.ToLower(scheme) {
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return policy.Credential{}, ErrMissingCredentials
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok || user == "" {
			return policy.Credential{}, ErrMissingCredentials
		}
		return policy.Credential{Scheme: policy.SchemeBasic, Username: user, Password: pass}, nil
	case "bearer":
		if strings.ContainsAny(value, " \t") {
			return policy.Credential{}, ErrMissingCredentials
		}
		return policy.Credential{Scheme: policy.SchemeBearer, Token: value}, nil
	default:
		return policy.Credential{}, ErrMissingCredentials
	}
}
