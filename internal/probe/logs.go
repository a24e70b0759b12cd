package probe

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ushineko/allowgate/internal/logbuf"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// LogsResponse is the JSON structure returned by the logs endpoint.
type LogsResponse struct {
	Entries []logbuf.Entry `json:"entries"`
}

// LogsHandler returns the handler for {prefix}/logs. Query parameters:
// n limits the number of entries (default 100, max 1000) and level sets the
// minimum level (debug, info, warn, error; default info).
func LogsHandler(buf *logbuf.Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		n := defaultLogLines
		if v := q.Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 {
				http.Error(w, "invalid n", http.StatusBadRequest)
				return
			}
			n = min(parsed, maxLogLines)
		}

		level := slog.LevelInfo
		if v := q.Get("level"); v != "" {
			parsed, ok := logbuf.ParseLevel(v)
			if !ok {
				http.Error(w, "invalid level", http.StatusBadRequest)
				return
			}
			level = parsed
		}

		writeJSON(w, LogsResponse{Entries: buf.Recent(n, level)})
	}
}
