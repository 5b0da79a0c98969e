package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// clientIP returns the network origin of a request: the first X-Forwarded-For
// hop when present, otherwise the peer address without its port.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip := forwarded
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			ip = forwarded[:idx]
		}
		return strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseTimeQuery extracts an RFC 3339 timestamp from the query string.
// Returns the zero time when absent or malformed.
func parseTimeQuery(r *http.Request, key string) time.Time {
	if v := r.URL.Query().Get(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// validRoomCode limits room codes to something URL- and SQL-friendly.
func validRoomCode(code string) bool {
	if code == "" || len(code) > 64 {
		return false
	}
	for _, c := range code {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
