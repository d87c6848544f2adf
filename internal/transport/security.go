package transport

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// secure is the loopback filter: non-loopback peers are rejected, the
// Host header must name this process's loopback authority, and the tool
// path never accepts browser-originated requests.
func (s *Server) secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackAddr(r.RemoteAddr) {
			s.logger.Warn("rejected non-loopback request", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !isAllowedHost(r.Host, s.port) {
			s.logger.Warn("rejected host", "host", r.Host, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		// An Origin header means a browser context; the tool path is for
		// local CLI clients only.
		if r.URL.Path == "/mcp" && r.Header.Get("Origin") != "" {
			s.logger.Warn("rejected cross-origin request", "origin", r.Header.Get("Origin"))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isAllowedHost accepts only the loopback authorities this server could
// have been reached by: the loopback names, on the listening port.
// port 0 disables the port check for dynamically bound listeners.
func isAllowedHost(host string, port int) bool {
	if host == "" {
		return false
	}
	name, portStr := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		name, portStr = h, p
	}
	name = strings.Trim(name, "[]")
	switch name {
	case "127.0.0.1", "localhost", "::1":
	default:
		return false
	}
	if port <= 0 {
		return true
	}
	return portStr == strconv.Itoa(port)
}
