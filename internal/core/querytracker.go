package core

import (
	"net/netip"
	"sync"
	"time"
)

// QueryRecordCapacity is the Query Tracker's fixed capacity.
const QueryRecordCapacity = 1024

// QueryTTL is how long a tracked query remains eligible for a matching
// upstream response before the sweep evicts it.
const QueryTTL = 10 * time.Second

// QueryRecord is one in-flight client query awaiting an upstream response,
// keyed externally by the upstream-assigned DNS transaction id.
type QueryRecord struct {
	ClientAddr   netip.AddrPort // client 5-tuple to reframe the response to
	ServerAddr   netip.AddrPort // tunnel-side address the client queried, reused as the response's source
	ResolverAddr netip.AddrPort // upstream resolver the query was sent to, for health bookkeeping
	ClientID     uint16         // original DNS id as seen from the client
	Name         string
	IsIPv6       bool
	RegisteredAt time.Time
}

// QueryTracker correlates upstream responses back to the client that asked,
// bounded to QueryRecordCapacity entries with the oldest evicted first when
// full, and swept once per second for entries older than its TTL.
type QueryTracker struct {
	mu      sync.Mutex
	records map[uint16]QueryRecord
	order   []uint16 // insertion order, for oldest-eviction
	ttl     time.Duration
	now     func() time.Time
}

// NewQueryTracker creates an empty tracker with the default QueryTTL.
func NewQueryTracker() *QueryTracker {
	return NewQueryTrackerTTL(QueryTTL)
}

// NewQueryTrackerTTL creates an empty tracker with a custom entry TTL.
// A non-positive ttl falls back to QueryTTL.
func NewQueryTrackerTTL(ttl time.Duration) *QueryTracker {
	if ttl <= 0 {
		ttl = QueryTTL
	}
	return &QueryTracker{
		records: make(map[uint16]QueryRecord, QueryRecordCapacity),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register adds a query under upstreamID, evicting the oldest entry first
// if the tracker is already at capacity.
func (t *QueryTracker) Register(upstreamID uint16, rec QueryRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = t.now()
	}

	if _, exists := t.records[upstreamID]; !exists && len(t.records) >= QueryRecordCapacity {
		t.evictOldestLocked()
	}
	if _, exists := t.records[upstreamID]; !exists {
		t.order = append(t.order, upstreamID)
	}
	t.records[upstreamID] = rec
}

// InUse reports whether upstreamID currently names a tracked query, without
// removing it. Used by the Upstream Pool to avoid assigning a colliding
// transaction id to a new query.
func (t *QueryTracker) InUse(upstreamID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[upstreamID]
	return ok
}

// Match removes and returns the record for upstreamID, if any.
func (t *QueryTracker) Match(upstreamID uint16) (QueryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[upstreamID]
	if !ok {
		return QueryRecord{}, false
	}
	delete(t.records, upstreamID)
	t.removeFromOrderLocked(upstreamID)
	return rec, true
}

// Sweep evicts every record older than the tracker's TTL, invoking onTimeout (if
// non-nil) once per evicted record so callers can fold the timeout into
// upstream resolver health tracking. Callers run this once per second for
// the lifetime of the engine.
func (t *QueryTracker) Sweep(onTimeout func(QueryRecord)) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	evicted := 0
	kept := t.order[:0]
	for _, id := range t.order {
		rec, ok := t.records[id]
		if !ok {
			continue
		}
		if rec.RegisteredAt.Before(cutoff) {
			delete(t.records, id)
			evicted++
			if onTimeout != nil {
				onTimeout(rec)
			}
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return evicted
}

// Len reports the number of currently tracked queries.
func (t *QueryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *QueryTracker) evictOldestLocked() {
	if len(t.order) == 0 {
		return
	}
	oldest := t.order[0]
	t.order = t.order[1:]
	delete(t.records, oldest)
}

func (t *QueryTracker) removeFromOrderLocked(id uint16) {
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
