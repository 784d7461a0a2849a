package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleTable_ExactMatchOnly(t *testing.T) {
	sources := []HostSource{
		{Name: "block-list", Disposition: Deny, Lines: []HostLine{{Hostname: "ads.example.com"}}},
	}
	table := NewRuleTable(sources, nil)

	assert.Equal(t, Deny, table.Lookup("ads.example.com"))
	assert.Equal(t, Ignore, table.Lookup("sub.ads.example.com"), "no suffix matching")
	assert.Equal(t, Ignore, table.Lookup("example.com"))
}

func TestRuleTable_NormalizesCaseAndTrailingDot(t *testing.T) {
	sources := []HostSource{
		{Name: "block-list", Disposition: Deny, Lines: []HostLine{{Hostname: "Ads.Example.com"}}},
	}
	table := NewRuleTable(sources, nil)
	assert.Equal(t, Deny, table.Lookup("ads.example.com."))
	assert.Equal(t, Deny, table.Lookup("ADS.EXAMPLE.COM"))
}

func TestRuleTable_DenyBeatsAllowBeatsIgnore(t *testing.T) {
	sources := []HostSource{
		{Name: "allow-list", Disposition: Allow, Lines: []HostLine{{Hostname: "cdn.example.com"}}},
		{Name: "block-list", Disposition: Deny, Lines: []HostLine{{Hostname: "cdn.example.com"}}},
	}
	table := NewRuleTable(sources, nil)
	assert.Equal(t, Deny, table.Lookup("cdn.example.com"))
}

func TestRuleTable_AllowOverrideDoesNotLiftDenySource(t *testing.T) {
	// Overrides are merged under the same precedence as sources: an Allow
	// override cannot replace a source's Deny, since Deny beats Allow.
	sources := []HostSource{
		{Name: "block-list", Disposition: Deny, Lines: []HostLine{{Hostname: "telemetry.example.com"}}},
	}
	overrides := []Override{{Hostname: "telemetry.example.com", Disposition: Allow}}
	table := NewRuleTable(sources, overrides)
	assert.Equal(t, Deny, table.Lookup("telemetry.example.com"))
}

func TestRuleTable_OverrideCannotDowngradeFromDenyUnlessHigherPrecedence(t *testing.T) {
	// An override of Ignore must not erase a source's Deny, since Deny has
	// higher precedence and apply() only replaces on >= precedence.
	sources := []HostSource{
		{Name: "block-list", Disposition: Deny, Lines: []HostLine{{Hostname: "bad.example.com"}}},
	}
	overrides := []Override{{Hostname: "bad.example.com", Disposition: Ignore}}
	table := NewRuleTable(sources, overrides)
	assert.Equal(t, Deny, table.Lookup("bad.example.com"))
}

func TestParseHostFileLine(t *testing.T) {
	cases := []struct {
		line string
		host string
		ok   bool
	}{
		{"0.0.0.0 ads.example.com", "ads.example.com", true},
		{"127.0.0.1 tracker.example.com", "tracker.example.com", true},
		{"# comment", "", false},
		{"", "", false},
		{"ads.example.com", "ads.example.com", true},
		{"0.0.0.0 ads.example.com alias.example.com", "alias.example.com", true},
		{"0.0.0.0 localhost", "", false},
		{"127.0.0.1", "", false},
		{"127.0.0.1 localhost localhost.localdomain", "", false},
		{"0.0.0.0 Ads.Example.COM  # inline comment", "ads.example.com", true},
		{"0.0.0.0 trailing.dot.example.", "trailing.dot.example", true},
	}
	for _, c := range cases {
		hl, ok := ParseHostFileLine(c.line)
		assert.Equal(t, c.ok, ok, "line %q", c.line)
		if c.ok {
			assert.Equal(t, c.host, hl.Hostname, "line %q", c.line)
		}
	}
}
