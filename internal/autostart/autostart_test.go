package autostart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dns-sinkhole-vpn/internal/core"
)

func TestShouldAutostart(t *testing.T) {
	cases := []struct {
		autostart, active, want bool
	}{
		{true, true, true},
		{true, false, false},
		{false, true, false},
		{false, false, false},
	}
	for _, c := range cases {
		got := ShouldAutostart(core.GlobalConfig{Autostart: c.autostart}, c.active)
		assert.Equal(t, c.want, got, "autostart=%v active=%v", c.autostart, c.active)
	}
}

func TestFlag_StoreAndLoadRoundTrip(t *testing.T) {
	f := NewFlag(filepath.Join(t.TempDir(), "active"))

	require.NoError(t, f.Store(true))
	assert.True(t, f.Load())

	require.NoError(t, f.Store(false))
	assert.False(t, f.Load())
}

func TestFlag_MissingFileReadsFalse(t *testing.T) {
	f := NewFlag(filepath.Join(t.TempDir(), "never-written"))
	assert.False(t, f.Load())
}

func TestFlag_GarbageReadsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active")
	require.NoError(t, os.WriteFile(path, []byte("not-a-bool"), 0o644))
	assert.False(t, NewFlag(path).Load())
}
