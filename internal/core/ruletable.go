package core

import "strings"

// HostLine is a single parsed entry from a hosts-format block source,
// naming one hostname to be given a disposition.
type HostLine struct {
	Hostname string
}

// HostSource is one contributor to the Rule Table: a named collection of
// parsed host lines with the disposition they should receive.
type HostSource struct {
	Name        string
	Disposition Disposition
	Lines       []HostLine
}

// Override is a single explicit entry applied after all HostSources,
// used for user-authored allow/deny entries. It is merged under the same
// precedence as source entries, so it cannot replace a higher-precedence
// disposition (an Allow override does not lift a source's Deny).
type Override struct {
	Hostname    string
	Disposition Disposition
}

// RuleTable is an immutable, exact-match lookup from normalized DNS name to
// Disposition. It is built once at engine start and never mutated; picking
// up changes to block/allow lists requires restarting the engine.
type RuleTable struct {
	entries map[string]Disposition
}

// NewRuleTable merges sources and overrides into a single immutable table.
// When multiple entries name the same host, DENY beats ALLOW beats IGNORE
// (last-write-wins among entries of equal precedence), independent of
// source order.
func NewRuleTable(sources []HostSource, overrides []Override) *RuleTable {
	entries := make(map[string]Disposition)
	apply := func(name string, d Disposition) {
		name = NormalizeName(name)
		if name == "" {
			return
		}
		if existing, ok := entries[name]; !ok || d.precedence() >= existing.precedence() {
			entries[name] = d
		}
	}
	for _, src := range sources {
		for _, line := range src.Lines {
			apply(line.Hostname, src.Disposition)
		}
	}
	for _, o := range overrides {
		apply(o.Hostname, o.Disposition)
	}
	return &RuleTable{entries: entries}
}

// Lookup returns the Disposition for name. A name with no matching entry is
// Ignore. Lookup only ever performs an exact match on the normalized name;
// it never does suffix, wildcard, or keyword matching.
func (t *RuleTable) Lookup(name string) Disposition {
	d, ok := t.entries[NormalizeName(name)]
	if !ok {
		return Ignore
	}
	return d
}

// Len returns the number of distinct names held by the table.
func (t *RuleTable) Len() int {
	return len(t.entries)
}

// ParseHostFileLine parses a single line of a hosts-format block list or
// allow list, returning the hostname it names and whether the line yielded
// one. The canonical form is the last whitespace-separated token on the
// line; comment lines (leading '#') and lines that carry only sink
// addresses or localhost aliases without a real hostname are skipped.
// Plain domain-list files (one hostname per line) parse the same way.
func ParseHostFileLine(line string) (HostLine, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return HostLine{}, false
	}
	// Strip inline comments.
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
		if line == "" {
			return HostLine{}, false
		}
	}

	fields := strings.Fields(line)
	host := strings.ToLower(strings.TrimSuffix(fields[len(fields)-1], "."))
	switch host {
	case "", "localhost", "localhost.localdomain", "local", "broadcasthost",
		"0.0.0.0", "127.0.0.1", "::1", "::":
		return HostLine{}, false
	}
	return HostLine{Hostname: host}, true
}
