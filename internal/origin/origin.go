// Package origin validates browser Origin headers for the signaling
// WebSocket endpoint.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Allowlist decides which browser origins may open signaling connections.
//
// With no entries the policy is same-host: the Origin's host[:port] must
// match the request's Host header, with default ports treated as equivalent.
// Entries are normalized origins (e.g. "https://rooms.example.com"), the
// literal "null", or "*".
type Allowlist struct {
	entries []string
}

func NewAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if e == "*" || e == "null" {
			a.entries = append(a.entries, e)
			continue
		}
		normalized, _, ok := Normalize(e)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", raw)
		}
		a.entries = append(a.entries, normalized)
	}
	return a, nil
}

// Wildcard reports whether the allowlist admits every origin.
func (a *Allowlist) Wildcard() bool {
	for _, e := range a.entries {
		if e == "*" {
			return true
		}
	}
	return false
}

// Allow checks a request's Origin header. Requests without an Origin header
// are allowed: they cannot come from a browser page, which is what the check
// defends against.
func (a *Allowlist) Allow(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(a.entries) > 0 {
		for _, e := range a.entries {
			if e == "*" || e == normalized {
				return true
			}
		}
		return false
	}
	if host == "" {
		// A "null" origin never matches a host-based policy.
		return false
	}
	// Scheme is ignored for the same-host comparison: behind a
	// TLS-terminating proxy the service sees http while the browser origin
	// is https.
	reqHost, ok := canonicalHostPort(requestHost, strings.HasPrefix(normalized, "https://"))
	if !ok {
		return false
	}
	return host == reqHost
}

// Normalize validates a browser Origin header and returns the canonical
// origin (lower-cased scheme and host, default ports dropped) plus its
// host[:port] part. The literal "null" origin is valid and has no host.
func Normalize(originHeader string) (normalized, host string, ok bool) {
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

	host, ok = canonicalHostPort(u.Host, scheme == "https")
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHostPort lower-cases a host[:port], re-brackets IPv6 literals and
// drops the scheme's default port.
func canonicalHostPort(raw string, https bool) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.ToLower(strings.TrimSpace(raw)))
	if !ok || hostname == "" {
		return "", false
	}
	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (!https && port == 80) || (https && port == 443) {
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

// splitHostPort splits an authority host[:port]. The hostname is returned
// without brackets for IPv6 literals; the port is empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		host, p, _ := strings.Cut(rawHost, ":")
		if host == "" || p == "" {
			return "", "", false
		}
		return host, p, true
	default:
		// Unbracketed IPv6 literals are not valid authority strings.
		return "", "", false
	}
}
