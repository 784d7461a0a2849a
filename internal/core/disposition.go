package core

import "strings"

// Disposition is the filtering verdict for a DNS query name.
type Disposition int

const (
	// Ignore means no rule matched the name; the query is forwarded upstream.
	Ignore Disposition = iota
	// Allow means the name was explicitly allow-listed; the query is
	// forwarded upstream. A Deny entry for the same name still wins.
	Allow
	// Deny means the name is blocked; the engine synthesizes an NXDOMAIN
	// response instead of forwarding the query.
	Deny
)

func (d Disposition) String() string {
	switch d {
	case Allow:
		return "ALLOW"
	case Deny:
		return "DENY"
	default:
		return "IGNORE"
	}
}

// precedence returns the priority used to resolve conflicting entries for
// the same name: DENY beats ALLOW beats IGNORE.
func (d Disposition) precedence() int {
	switch d {
	case Deny:
		return 2
	case Allow:
		return 1
	default:
		return 0
	}
}

// NormalizeName lowercases a DNS name and strips a single trailing dot, the
// canonical form used as the Rule Table's lookup key.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ".")
	return name
}
