package admission

import (
	"net"
	"net/http"
	"strings"
)

// unknownClient is the sentinel identifier used when no address can be
// resolved. Resolution never fails a request.
const unknownClient = "unknown"

// clientIP resolves the caller's address with the documented precedence:
// first hop of X-Forwarded-For, then X-Real-IP, then the transport peer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return addr
	}
	return unknownClient
}
