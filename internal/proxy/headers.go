package proxy

import (
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// viaValue is appended to forwarded requests when not anonymizing.
const viaValue = "1.1 allowgated"

// hopByHopHeaders are removed from both forwarded requests and responses.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identifyingHeaders reveal the client or the proxy chain to the origin.
var identifyingHeaders = []string{
	"X-Forwarded-For",
	"Via",
	"Forwarded",
	"X-Real-Ip",
}

// redactedHeaders are never written to logs verbatim.
var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
}

// removeHopByHop deletes hop-by-hop headers, including any header named in
// a Connection token.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = textproto.TrimString(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// rewriteRequestHeaders applies the forwarding options to an outbound
// request header set. targetHost is the origin's hostname.
func rewriteRequestHeaders(h http.Header, targetHost string, opts ForwardOptions) {
	removeHopByHop(h)

	if opts.Anonymize {
		for _, name := range identifyingHeaders {
			h.Del(name)
		}
	} else {
		h.Add("Via", viaValue)
	}

	if opts.UserAgent != "" {
		h.Set("User-Agent", opts.UserAgent)
		h.Set("Referer", "https://"+targetHost+"/")
	}

	// Keep the Go client from inventing a User-Agent the client never sent.
	if _, ok := h["User-Agent"]; !ok {
		h["User-Agent"] = nil
	}
}

// corsMethods is advertised in synthesized preflight responses.
const corsMethods = "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS"

// setCORSHeaders adds permissive CORS headers to a response header set.
// The request Origin is echoed when present so credentialed requests work.
func setCORSHeaders(h http.Header, origin string) {
	if origin == "" {
		h.Set("Access-Control-Allow-Origin", "*")
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}

// writePreflight answers an OPTIONS request without contacting the origin.
func (s *Server) writePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	setCORSHeaders(h, r.Header.Get("Origin"))
	h.Set("Access-Control-Allow-Methods", corsMethods)
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	} else {
		h.Set("Access-Control-Allow-Headers", "*")
	}
	if s.cors.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(s.cors.MaxAge.Seconds())))
	}
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// flattenHeaders converts http.Header to a map for structured logging,
// redacting credentials.
func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if redactedHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			flat[k] = "[redacted]"
			continue
		}
		flat[k] = strings.Join(v, ", ")
	}
	return flat
}
