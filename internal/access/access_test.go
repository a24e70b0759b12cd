package access_test

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/allowgate/internal/access"
	"github.com/ushineko/allowgate/internal/metrics"
	"github.com/ushineko/allowgate/internal/policy"
)

func _basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func _controller(t *testing.T, logs *bytes.Buffer) *access.Controller {
	t.Helper()
	p, err := policy.New(
		[]policy.User{{Username: "proxyuser", Password: "strongpassword"}},
		[]string{"secret-token"},
		[]string{"twitter.com", "linkedin.com"},
	)
	require.NoError(t, err)

	var logger *slog.Logger
	if logs != nil {
		logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return access.New(access.Config{
		Store:   policy.NewStore(p),
		Logger:  logger,
		Metrics: metrics.New(),
		Realm:   "test",
	})
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    policy.Credential
		wantErr bool
	}{
		{name: "basic", header: _basic("u", "p"), want: policy.Credential{Scheme: policy.SchemeBasic, Username: "u", Password: "p"}},
		{name: "basic colon in password", header: _basic("u", "p:q"), want: policy.Credential{Scheme: policy.SchemeBasic, Username: "u", Password: "p:q"}},
		{name: "basic lowercase scheme", header: "basic " + base64.StdEncoding.EncodeToString([]byte("u:p")), want: policy.Credential{Scheme: policy.SchemeBasic, Username: "u", Password: "p"}},
		{name: "bearer", header: "Bearer abc.def", want: policy.Credential{Scheme: policy.SchemeBearer, Token: "abc.def"}},
		{name: "bearer extra spaces", header: "  Bearer   abc  ", want: policy.Credential{Scheme: policy.SchemeBearer, Token: "abc"}},
		{name: "empty", header: "", wantErr: true},
		{name: "scheme only", header: "Basic", wantErr: true},
		{name: "scheme and blank", header: "Bearer   ", wantErr: true},
		{name: "bad base64", header: "Basic !!!", wantErr: true},
		{name: "basic without colon", header: "Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")), wantErr: true},
		{name: "basic empty user", header: _basic("", "p"), wantErr: true},
		{name: "unknown scheme", header: "Digest abc", wantErr: true},
		{name: "bearer with space", header: "Bearer a b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := access.ParseCredential(tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, access.ErrMissingCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorize(t *testing.T) {
	c := _controller(t, nil)

	tests := []struct {
		name       string
		auth       string
		host       string
		wantErr    error
		wantStatus int
	}{
		{name: "basic allowed", auth: _basic("proxyuser", "strongpassword"), host: "api.twitter.com", wantStatus: http.StatusOK},
		{name: "bearer allowed", auth: "Bearer secret-token", host: "linkedin.com", wantStatus: http.StatusOK},
		{name: "missing header", auth: "", host: "twitter.com", wantErr: access.ErrMissingCredentials, wantStatus: http.StatusProxyAuthRequired},
		{name: "malformed header", auth: "Basic ???", host: "twitter.com", wantErr: access.ErrMissingCredentials, wantStatus: http.StatusProxyAuthRequired},
		{name: "wrong password", auth: _basic("proxyuser", "wrong"), host: "twitter.com", wantErr: access.ErrInvalidCredentials, wantStatus: http.StatusProxyAuthRequired},
		{name: "wrong token", auth: "Bearer nope", host: "twitter.com", wantErr: access.ErrInvalidCredentials, wantStatus: http.StatusProxyAuthRequired},
		{name: "host not allowed", auth: "Bearer secret-token", host: "facebook.com", wantErr: access.ErrDestinationDenied, wantStatus: http.StatusForbidden},
		{name: "lookalike host", auth: "Bearer secret-token", host: "nottwitter.com", wantErr: access.ErrDestinationDenied, wantStatus: http.StatusForbidden},
		{name: "unparseable host", auth: "Bearer secret-token", host: "twitter.com/evil", wantErr: access.ErrDestinationDenied, wantStatus: http.StatusForbidden},
		{name: "credential checked before host", auth: "", host: "facebook.com", wantErr: access.ErrMissingCredentials, wantStatus: http.StatusProxyAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.auth != "" {
				h.Set("Proxy-Authorization", tt.auth)
			}
			d := c.Authorize(h, tt.host)

			assert.Equal(t, tt.wantErr == nil, d.Allowed)
			if tt.wantErr != nil {
				assert.ErrorIs(t, d.Err, tt.wantErr)
				assert.Equal(t, tt.wantErr.Error(), d.Reason())
			} else {
				assert.NoError(t, d.Err)
				assert.NotEmpty(t, d.Rule)
			}
			assert.Equal(t, tt.wantStatus, d.Status())
			assert.Equal(t, tt.host, d.Host)
		})
	}
}

func TestAuthenticateSkipsAllowlist(t *testing.T) {
	c := _controller(t, nil)

	h := http.Header{}
	h.Set("Proxy-Authorization", "Bearer secret-token")
	d := c.Authenticate(h, "facebook.com")
	assert.True(t, d.Allowed)

	d = c.Authenticate(http.Header{}, "facebook.com")
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusProxyAuthRequired, d.Status())
}

func TestDecisionLogsNeverContainSecrets(t *testing.T) {
	var logs bytes.Buffer
	c := _controller(t, &logs)

	h := http.Header{}
	h.Set("Proxy-Authorization", _basic("proxyuser", "wrong-password-value"))
	c.Authorize(h, "twitter.com")

	h.Set("Proxy-Authorization", "Bearer leaked-token-value")
	c.Authorize(h, "twitter.com")

	h.Set("Proxy-Authorization", "Bearer secret-token")
	c.Authorize(h, "twitter.com")

	out := logs.String()
	assert.Contains(t, out, "access denied")
	assert.Contains(t, out, "access allowed")
	assert.Contains(t, out, "user:proxyuser")
	assert.Contains(t, out, "reason=\"invalid credentials\"")
	assert.NotContains(t, out, "wrong-password-value")
	assert.NotContains(t, out, "leaked-token-value")
	assert.NotContains(t, out, "secret-token")
}

func TestPolicySwapAffectsNewDecisions(t *testing.T) {
	p1, err := policy.New(nil, []string{"t"}, []string{"a.example"})
	require.NoError(t, err)
	p2, err := policy.New(nil, []string{"t"}, []string{"b.example"})
	require.NoError(t, err)

	store := policy.NewStore(p1)
	c := access.New(access.Config{Store: store})

	h := http.Header{}
	h.Set("Proxy-Authorization", "Bearer t")
	assert.True(t, c.Authorize(h, "a.example").Allowed)

	store.Swap(p2)
	assert.False(t, c.Authorize(h, "a.example").Allowed)
	assert.True(t, c.Authorize(h, "b.example").Allowed)
}

func TestChallenges(t *testing.T) {
	c := _controller(t, nil)
	assert.Equal(t, []string{`Basic realm="test"`, `Bearer realm="test"`}, c.Challenges())
}
