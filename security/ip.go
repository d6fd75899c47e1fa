package security

import (
	"net"
	"net/http"
	"strings"

	"github.com/giantswarm/bff-guard/internal/helpers"
)

// UnknownIP is returned when no usable client address can be derived.
// Limiters skip their IP dimension for it.
const UnknownIP = "unknown"

// GetClientIP extracts the client IP used as the rate-limit identity.
// X-Forwarded-For and X-Real-IP are honoured only with trustProxy; the rightmost
// trustedProxyCount entries of X-Forwarded-For are our own proxies.
// The result is either a parseable IP or UnknownIP.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	if ip := clientIPFromRemoteAddr(r.RemoteAddr); ip != "" {
		return ip
	}
	return UnknownIP
}

// clientIPFromXFF picks ips[len(ips) - trustedProxyCount - 1] from
// "client, untrusted-proxy, trusted-proxy2, trusted-proxy1".
// trustedProxyCount 0 is treated as 1; short lists fall back to the leftmost entry.
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if strings.TrimSpace(xff) == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := len(ips) - proxies - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(ips[idx])
}

// clientIPFromRemoteAddr handles "host:port" and bare hosts.
func clientIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return parseIP(host)
}

// parseIP returns the canonical form of s, or "" if s is not an IP.
func parseIP(s string) string {
	addr, ok := helpers.ParseAddr(s)
	if !ok {
		return ""
	}
	return addr.String()
}

// IsResolvableIP reports whether ip can act as a rate-limit identity.
// Empty, UnknownIP, unparseable and unspecified (0.0.0.0, ::) addresses cannot.
func IsResolvableIP(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" || strings.EqualFold(ip, UnknownIP) {
		return false
	}
	addr, ok := helpers.ParseAddr(ip)
	return ok && helpers.Classify(addr).IsIdentity()
}
