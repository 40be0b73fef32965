// Package origin validates browser Origin headers for the HTTP and
// WebSocket surfaces.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, along with the host[:port] portion for
// same-host comparisons. The special value "null" is allowed as-is.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether a normalized origin may access the given request
// host. A non-empty allowlist is authoritative: each entry is either "*" or
// a normalized origin. With an empty allowlist the policy is same-host
// only; scheme is deliberately not compared because the server may sit
// behind a TLS-terminating proxy.
func Allowed(normalized, originHost, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, entry := range allowlist {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	scheme := ""
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" never matches a host-based request.
		return false
	}

	canonical, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == canonical
}

// canonicalHost lowercases the hostname, validates the port and drops it
// when it is the scheme default.
func canonicalHost(raw, scheme string) (string, bool) {
	if raw == "" {
		return "", false
	}

	hostname, portStr := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		hostname, portStr = h, p
	} else if strings.HasPrefix(raw, "[") {
		// Bracketed IPv6 literal without a port.
		hostname = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	} else if strings.Contains(raw, ":") {
		// Unbracketed IPv6 is not valid in an authority component.
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if portStr != "" {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}
