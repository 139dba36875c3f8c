// Package origin implements the browser Origin policy shared by the HTTP
// endpoints and the signaling WebSocket upgrade.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates and normalizes a browser Origin header value into
// scheme://host[:port] form, lowercasing scheme and host and stripping
// default ports. It also returns the host[:port] portion for same-host
// comparison. The special value "null" (sandboxed documents) is returned
// as-is.
func Normalize(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", "", false
	}

	var port uint64
	if rawPort := u.Port(); rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether the normalized origin may access the given
// request host.
//
// When allowedOrigins is non-empty, each entry must be "*" or a normalized
// origin string. When empty, the policy is same-host only: the origin's
// host[:port] must equal the request's Host header (default ports stripped).
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	if normalizedOrigin == "null" {
		return false
	}
	return originHost != "" && equalHost(originHost, requestHost)
}

func equalHost(a, b string) bool {
	return canonicalHost(a) == canonicalHost(b)
}

func canonicalHost(hostport string) string {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if port == "80" || port == "443" {
		return host
	}
	return hostport
}
