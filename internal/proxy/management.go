package proxy

import (
	"net/http"
)

// handleManagement routes requests under the management prefix to the
// appropriate endpoint. These endpoints are not authenticated.
func (s *Server) handleManagement(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case s.managementPrefix + "/heartbeat":
		serveOrNotFound(s.heartbeatHandler, w, r)
	case s.managementPrefix + "/stats":
		serveOrNotFound(s.statsHandler, w, r)
	case s.managementPrefix + "/logs":
		serveOrNotFound(s.logsHandler, w, r)
	case s.managementPrefix + "/metrics":
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func serveOrNotFound(h http.HandlerFunc, w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}
