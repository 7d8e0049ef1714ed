// Package safeurl classifies untrusted URLs as safe or unsafe for outbound
// fetching. All checks run on the literal URL text; no DNS resolution is
// performed, so a public hostname that resolves to a private address at
// connection time is not detected here.
package safeurl

import (
	"net/netip"
	"net/url"
	"strings"
)

// Code identifies why a URL was rejected.
type Code string

const (
	CodeMissingInput     Code = "MISSING_INPUT"
	CodeMalformedURL     Code = "MALFORMED_URL"
	CodeDisallowedScheme Code = "DISALLOWED_SCHEME"
	CodeBlockedHost      Code = "BLOCKED_HOST"
	CodePrivateAddress   Code = "PRIVATE_ADDRESS"
)

// ValidationError is a deterministic rejection of an unsafe or unusable URL.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// ValidatedURL is a URL that passed all safety checks. Immutable.
type ValidatedURL struct {
	Href     string // normalized absolute URL
	Scheme   string // http or https
	Hostname string // lower-cased host without port or brackets
}

// blockedHosts are literal names that always target the local machine.
var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
}

// Validate parses raw and rejects URLs that could reach internal targets.
func Validate(raw string) (*ValidatedURL, *ValidationError) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ValidationError{CodeMissingInput, "url parameter is required"}
	}

	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, &ValidationError{CodeMalformedURL, "url could not be parsed"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &ValidationError{CodeDisallowedScheme, "only http and https urls are allowed"}
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return nil, &ValidationError{CodeMalformedURL, "url has no hostname"}
	}

	if blockedHosts[hostname] {
		return nil, &ValidationError{CodeBlockedHost, "host is blocked"}
	}

	// Literal IP addresses only; hostnames that merely resolve to these
	// ranges pass (known DNS rebinding gap).
	if addr, err := netip.ParseAddr(hostname); err == nil {
		if isPrivateAddr(addr) {
			return nil, &ValidationError{CodePrivateAddress, "host resolves inside a private address range"}
		}
	}

	return &ValidatedURL{
		Href:     parsed.String(),
		Scheme:   scheme,
		Hostname: hostname,
	}, nil
}

// isPrivateAddr reports whether addr falls in a loopback, link-local or
// private range. Covers 10/8, 172.16/12, 192.168/16, 169.254/16 and 127/8
// for IPv4 and ::1, fe80::/10 and fc00::/7 for IPv6.
func isPrivateAddr(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast()
}
