package license

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidDomain indicates a domain that cannot be normalized.
var ErrInvalidDomain = fmt.Errorf("%w: invalid domain", ErrValidation)

// maxDomainLength is the longest host name DNS allows, without the root dot.
const maxDomainLength = 253

// domainProfile is the lookup profile with DNS length checks: labels of at
// most 63 octets and a name of at most 253 once converted to ASCII.
var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.Transitional(false),
	idna.VerifyDNSLength(true),
)

// NormalizeDomain reduces an installation domain to its comparable form.
// Scheme, port, path and a trailing dot are removed and the host is converted
// to lowercase ASCII. Matching on the result is exact: subdomains never match.
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nil
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w %q", ErrInvalidDomain, raw)
		}
		s = u.Host
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", fmt.Errorf("%w %q", ErrInvalidDomain, raw)
	}

	if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
		return ip.String(), nil
	}

	ascii, err := domainProfile.ToASCII(s)
	if err != nil || len(ascii) > maxDomainLength {
		return "", fmt.Errorf("%w %q", ErrInvalidDomain, raw)
	}
	return strings.ToLower(ascii), nil
}

// domainsMatch compares a bound domain with a supplied one. The bound value is
// normalized again so that records written before normalization still compare.
func domainsMatch(bound, supplied string) bool {
	b, err := NormalizeDomain(bound)
	if err != nil {
		b = strings.ToLower(strings.TrimSpace(bound))
	}
	return b == supplied
}

// optional returns nil for blank strings and a trimmed copy otherwise.
func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
