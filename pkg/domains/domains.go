// Package domains holds the pure hostname helpers the decision core is
// built on. Everything here is total: malformed input degrades to a
// best-effort canonical form instead of an error, because authorization
// must never fail open on a parse problem.
package domains

import (
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// Normalize canonicalizes a raw hostname: trims whitespace, strips any
// port, userinfo and trailing dot, lowercases, and folds unicode labels to
// ASCII via IDNA. IP literals are returned in stdlib-normalized form.
func Normalize(raw string) string {
	host := strings.TrimSpace(raw)
	if host == "" {
		return ""
	}
	if at := strings.LastIndexByte(host, '@'); at != -1 {
		host = host[at+1:]
	}
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	if isASCII(host) {
		return strings.ToLower(host)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(ascii)
}

// StripWWW removes a single leading "www." label.
func StripWWW(domain string) string {
	return strings.TrimPrefix(domain, "www.")
}

// Canonical normalizes and optionally www-strips a domain for matching.
func Canonical(raw string, stripWWW bool) string {
	d := Normalize(raw)
	if stripWWW {
		d = StripWWW(d)
	}
	return d
}

// IsSubdomain reports whether domain is a strict subdomain of ancestor.
func IsSubdomain(domain, ancestor string) bool {
	if domain == "" || ancestor == "" || domain == ancestor {
		return false
	}
	return strings.HasSuffix(domain, "."+ancestor)
}

// SameSite reports whether a and b are equal or one is a subdomain of the
// other.
func SameSite(a, b string) bool {
	return a != "" && (a == b || IsSubdomain(a, b) || IsSubdomain(b, a))
}

// Labels counts the dot-separated labels of a domain.
func Labels(domain string) int {
	if domain == "" {
		return 0
	}
	return strings.Count(domain, ".") + 1
}

// ConsolidationParent computes the key under which sibling subdomains are
// grouped into one pending decision: the immediate parent of the domain
// after optional www stripping. Domains with fewer than three labels after
// stripping have no parent and return "".
func ConsolidationParent(domain string, stripWWW bool) string {
	if stripWWW {
		domain = StripWWW(domain)
	}
	if Labels(domain) < 3 {
		return ""
	}
	return domain[strings.IndexByte(domain, '.')+1:]
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
