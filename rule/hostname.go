// SPDX-License-Identifier: GPL-3.0-or-later

package rule

import "github.com/miekg/dns"

// normalizeDomain canonicalizes a hostname for DOMAIN/DOMAIN-SUFFIX/
// DOMAIN-KEYWORD/DOMAIN-WILDCARD comparison: it folds case and strips a
// trailing root dot via the same FQDN canonicalization DNS resolution uses,
// so "Example.com.", "example.com" and "EXAMPLE.COM" all compare equal
// (spec §4.2 DOMAIN family; a rule author and a request's Host header rarely
// agree on case or trailing-dot convention).
func normalizeDomain(host string) string {
	if host == "" {
		return host
	}
	canon := dns.CanonicalName(host) // lower-cased, guaranteed to end in "."
	if len(canon) > 0 && canon[len(canon)-1] == '.' {
		canon = canon[:len(canon)-1]
	}
	return canon
}

// ValidDomainName reports whether s is syntactically a legal domain name made
// of hostname characters (letters, digits, '-', '_' and '.').
// clashexport uses it to drop DOMAIN/DOMAIN-SUFFIX rules whose payload isn't
// an actual hostname before they reach an exported rule-provider document.
func ValidDomainName(s string) bool {
	if _, ok := dns.IsDomainName(s); !ok {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
