package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives the client identity of a request.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc keys on the remote host. When trustXFF is set, the first
// X-Forwarded-For hop wins; enable it only behind a proxy that overwrites
// the header.
func DefaultKeyFunc(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}
