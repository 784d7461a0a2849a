package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTracker_RegisterAndMatch(t *testing.T) {
	tr := NewQueryTracker()
	rec := QueryRecord{
		ClientAddr: netip.MustParseAddrPort("10.64.0.2:5353"),
		Name:       "example.com",
	}
	tr.Register(42, rec)
	assert.True(t, tr.InUse(42))

	got, ok := tr.Match(42)
	require.True(t, ok)
	assert.Equal(t, "example.com", got.Name)

	_, ok = tr.Match(42)
	assert.False(t, ok, "Match removes the record")
	assert.False(t, tr.InUse(42))
}

func TestQueryTracker_MatchUnknownID(t *testing.T) {
	tr := NewQueryTracker()
	_, ok := tr.Match(1)
	assert.False(t, ok)
}

func TestQueryTracker_EvictsOldestAtCapacity(t *testing.T) {
	tr := NewQueryTracker()
	for i := 0; i < QueryRecordCapacity; i++ {
		tr.Register(uint16(i), QueryRecord{Name: "x"})
	}
	assert.Equal(t, QueryRecordCapacity, tr.Len())

	tr.Register(uint16(QueryRecordCapacity), QueryRecord{Name: "newest"})
	assert.Equal(t, QueryRecordCapacity, tr.Len(), "capacity must not grow")
	assert.False(t, tr.InUse(0), "oldest entry evicted")
	assert.True(t, tr.InUse(uint16(QueryRecordCapacity)))
}

func TestQueryTracker_SweepEvictsExpiredAndInvokesCallback(t *testing.T) {
	tr := NewQueryTracker()
	base := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return base }
	tr.Register(1, QueryRecord{Name: "stale.example.com"})

	tr.now = func() time.Time { return base.Add(QueryTTL + time.Second) }
	tr.Register(2, QueryRecord{Name: "fresh.example.com"})

	var timedOut []QueryRecord
	evicted := tr.Sweep(func(rec QueryRecord) { timedOut = append(timedOut, rec) })

	assert.Equal(t, 1, evicted)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "stale.example.com", timedOut[0].Name)
	assert.True(t, tr.InUse(2))
	assert.False(t, tr.InUse(1))
}

func TestQueryTracker_SweepWithNilCallback(t *testing.T) {
	tr := NewQueryTracker()
	base := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return base }
	tr.Register(1, QueryRecord{Name: "stale"})
	tr.now = func() time.Time { return base.Add(QueryTTL + time.Second) }

	assert.NotPanics(t, func() { tr.Sweep(nil) })
	assert.False(t, tr.InUse(1))
}
