package provision

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Conventional hostname grammar: dot-separated labels of alphanumerics and
// hyphens (1-63 chars, no leading/trailing hyphen), final label alphabetic
// and at least two characters.
var domainPattern = regexp.MustCompile(`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// NormalizeDomain validates a domain name and returns its canonical
// lower-case ASCII form. Internationalized names are converted to punycode
// before the grammar check. Rejection happens before any external call.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "", fmt.Errorf("domain name is required")
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid domain name %q: %w", domain, err)
	}
	if !domainPattern.MatchString(ascii) {
		return "", fmt.Errorf("invalid domain name format: %q", domain)
	}
	return ascii, nil
}
