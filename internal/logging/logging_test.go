package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/allowgate/internal/logging"
)

func TestSetup_StderrOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{Stderr: &buf})
	defer cleanup()

	logger.Debug("hidden")
	logger.Info("shown", "host", "example.com")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "host=example.com")
}

func TestSetup_Verbose(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{Stderr: &buf, Verbose: true})
	defer cleanup()

	logger.Debug("debug line")
	assert.Contains(t, buf.String(), "debug line")
}

func TestSetup_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{Stderr: &buf})
	defer cleanup()

	logger.Info("login",
		"password", "hunter2",
		"Proxy-Authorization", "Basic dXNlcjpwYXNz",
		"token", "abc",
		"user", "alice",
	)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "dXNlcjpwYXNz")
	assert.NotContains(t, out, "token=abc")
	assert.Contains(t, out, "user=alice")
	assert.Equal(t, 3, strings.Count(out, logging.Redacted))
}

func TestSetup_FileLogging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger, cleanup := logging.Setup(logging.Config{LogDir: dir, Stderr: &buf})

	logger.With("component", "test").Info("to both", "password", "secret-value")
	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, logging.FileName))
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "to both", rec["msg"])
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, logging.Redacted, rec["password"])

	assert.Contains(t, buf.String(), "to both")
}

type _captureHandler struct {
	msgs *[]string
}

func (h _captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h _captureHandler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	*h.msgs = append(*h.msgs, r.Message)
	return nil
}

func (h _captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h _captureHandler) WithGroup(string) slog.Handler      { return h }

func TestSetup_ExtraHandlers(t *testing.T) {
	var buf bytes.Buffer
	var msgs []string
	logger, cleanup := logging.Setup(logging.Config{
		Stderr: &buf,
		Extra:  []slog.Handler{_captureHandler{msgs: &msgs}},
	})
	defer cleanup()

	logger.Debug("debug to extra only")
	logger.Info("info to both")

	assert.Equal(t, []string{"debug to extra only", "info to both"}, msgs)
	assert.NotContains(t, buf.String(), "debug to extra only")
	assert.Contains(t, buf.String(), "info to both")
}

func TestIsSecret(t *testing.T) {
	assert.True(t, logging.IsSecret("Password"))
	assert.True(t, logging.IsSecret("proxy-authorization"))
	assert.False(t, logging.IsSecret("user"))
}
