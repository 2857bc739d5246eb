// Package gate runs the ordered access checks in front of the proxy:
// IP filtering, path restrictions, JWT verification, API key
// authentication with routing constraints, and quotas.
package gate

import (
	"net"
	"net/http"
	"strings"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
)

// ClientIP resolves the caller address. When trustXFF is set the
// leftmost X-Forwarded-For entry wins, otherwise the socket peer.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if idx := strings.IndexByte(xff, ','); idx >= 0 {
				first = xff[:idx]
			}
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipMatches checks an address against one filter entry. Entries may be
// an exact IP, a trailing-star wildcard like "10.0.0.*", or a CIDR.
func ipMatches(entry, addr string) bool {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		ip := net.ParseIP(addr)
		return ip != nil && network.Contains(ip)
	}
	if strings.Contains(entry, "*") {
		prefix := strings.TrimSuffix(entry, "*")
		return strings.HasPrefix(addr, prefix)
	}
	return entry == addr
}

func ipInList(list []string, addr string) bool {
	for _, entry := range list {
		if ipMatches(entry, addr) {
			return true
		}
	}
	return false
}

// checkIPFiltering applies the service allow/deny lists.
func checkIPFiltering(f config.IPFiltering, addr string) *perrors.ProxyError {
	if len(f.Whitelist) > 0 && !ipInList(f.Whitelist, addr) {
		return perrors.ErrIPBlocked
	}
	if len(f.Blacklist) > 0 && ipInList(f.Blacklist, addr) {
		return perrors.ErrIPBlocked
	}
	return nil
}
