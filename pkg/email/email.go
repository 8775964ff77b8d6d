// Package email normalizes and checks email addresses used as uniqueness keys.
package email

import (
	"net/mail"
	"strings"
)

// MaxLength is the longest address accepted (RFC 5321 path limit).
const MaxLength = 254

// Normalize trims surrounding space and lower-cases the address so that
// uniqueness comparisons are case-insensitive.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsValid reports whether address is a bare addr-spec with a dotted domain.
// Display names ("Alice <a@b.c>") are rejected.
func IsValid(address string) bool {
	if address == "" || len(address) > MaxLength {
		return false
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return false
	}
	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return false
	}
	domain := address[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
