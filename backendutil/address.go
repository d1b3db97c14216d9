package backendutil

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// SplitAddress splits a mailbox at its last '@'. The domain is empty for
// a bare local part such as "postmaster".
func SplitAddress(address string) (local, domain string) {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[:i], address[i+1:]
	}
	return address, ""
}

// NormalizeDomain returns the lower-case A-label form of a domain, so that
// "ΠΑΡΆΔΕΙΓΜΑ.δοκιμή" and "xn--hxajbheg2az3al.xn--jxalpdlp" compare equal.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(domain, ".")
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// NormalizeAddress puts a mailbox into a canonical form for comparison:
// NFC local part, A-label domain. ASCII local parts are lower-cased.
func NormalizeAddress(address string) (string, error) {
	local, domain := SplitAddress(address)
	local = norm.NFC.String(local)
	if isASCII(local) {
		local = strings.ToLower(local)
	}
	if domain == "" {
		return local, nil
	}
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	return local + "@" + domain, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
