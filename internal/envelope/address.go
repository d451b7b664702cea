package envelope

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxLocalPartLength = 64
	maxDomainLength    = 253
	maxLabelLength     = 63
)

// Address is a parsed envelope address.
type Address struct {
	Local  string
	Domain string
}

// String returns the address in local@domain form.
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// ParseAddress parses a bare envelope address (no display name, optional
// angle brackets). The domain is converted to its ASCII form and lowercased.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("address %q has no local part or domain", s)
	}

	local := s[:at]
	if len(local) > maxLocalPartLength {
		return Address{}, fmt.Errorf("local part of %q exceeds %d octets", s, maxLocalPartLength)
	}
	for _, r := range local {
		if r <= ' ' || r == 0x7f {
			return Address{}, fmt.Errorf("local part of %q contains whitespace or control characters", s)
		}
	}

	domain, err := NormalizeDomain(s[at+1:])
	if err != nil {
		return Address{}, fmt.Errorf("address %q: %w", s, err)
	}

	return Address{Local: local, Domain: domain}, nil
}

// NormalizeDomain returns the lowercased ASCII form of a domain name.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", fmt.Errorf("empty domain")
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	ascii = strings.ToLower(ascii)

	if len(ascii) > maxDomainLength {
		return "", fmt.Errorf("domain %q exceeds %d octets", domain, maxDomainLength)
	}
	for _, label := range strings.Split(ascii, ".") {
		if label == "" || len(label) > maxLabelLength {
			return "", fmt.Errorf("domain %q has an empty or oversized label", domain)
		}
	}

	return ascii, nil
}

// DomainOf returns the normalized domain of an address, or "" if the address
// does not parse.
func DomainOf(addr string) string {
	a, err := ParseAddress(addr)
	if err != nil {
		return ""
	}
	return a.Domain
}
