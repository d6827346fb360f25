// Package userlimit implements the per-user, per-direction share table (C2
// in the component design): the enforcer's view of how much bandwidth each
// user is currently entitled to and how many requests are actively
// consuming it, grounded on flt_weir.c's `struct user_limit` hashtable and
// its `weir_ingest_limit_share_update`/cleanup logic.
package userlimit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weir/weir/logging"
	"github.com/weir/weir/ratelimit"
)

// Direction identifies which half of a connection a share or request count
// applies to.
type Direction int

const (
	// Upload is the client-to-server direction (PUT/POST verbs).
	Upload Direction = iota
	// Download is the server-to-client direction (all other verbs).
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "up"
	}
	return "dwn"
}

// MaxBytesPerSecond is the ceiling a share is clamped to.
const MaxBytesPerSecond = ^uint32(0)

// sweepInterval bounds how often an attach may trigger an opportunistic
// sweep of the whole table.
const sweepInterval = 30 * time.Second

// gracePeriod is how long after a user's last request ended its record must
// sit idle before it becomes eligible for removal.
const gracePeriod = 5000 * time.Millisecond

// DirectionLimit is the per-direction slice of a user's record: its share,
// the freshness of that share, the sliding-window counter tracking bytes
// already admitted, and the count of requests currently drawing on it.
type DirectionLimit struct {
	// ingestMu serializes IngestShare's check-then-write against itself, so
	// the timestamp check and the bytesPerSecond/limitReceived writes it
	// guards commit as one critical section, matching
	// weir_ingest_limit_share_update's single HA_RWLOCK_WRLOCK section.
	// Readers still use plain atomic loads below and never take this lock.
	ingestMu sync.Mutex

	limitReceived       atomic.Bool
	limitTimestamp      atomic.Uint64
	bytesPerSecond      atomic.Uint32
	activeRequests      atomic.Int32
	nextThrottleLogTick atomic.Int64

	Counter *ratelimit.FreqCounter
}

// LimitReceived reports whether a share has ever been ingested for this
// direction; until then callers should fall back to the unknown-user limit.
func (d *DirectionLimit) LimitReceived() bool    { return d.limitReceived.Load() }
func (d *DirectionLimit) BytesPerSecond() uint32 { return d.bytesPerSecond.Load() }
func (d *DirectionLimit) ActiveRequests() int32  { return d.activeRequests.Load() }
func (d *DirectionLimit) LimitTimestamp() uint64 { return d.limitTimestamp.Load() }

// MarkThrottleLogged attempts to elect this caller as the one allowed to
// emit a weir-throttle log line for the current second; it succeeds (and
// returns true) for at most one caller per nowTick.
func (d *DirectionLimit) MarkThrottleLogged(nowTick int64) bool {
	for {
		prev := d.nextThrottleLogTick.Load()
		if nowTick < prev {
			return false
		}
		if d.nextThrottleLogTick.CompareAndSwap(prev, nowTick+1000) {
			return true
		}
	}
}

// Record is one user's upload and download limits plus bookkeeping shared
// by both directions.
type Record struct {
	UserKey             string
	Upload              DirectionLimit
	Download            DirectionLimit
	lastRequestEndTick  atomic.Int64
}

func newRecord(userKey string) *Record {
	r := &Record{UserKey: userKey}
	r.Upload.Counter = ratelimit.NewFreqCounter()
	r.Download.Counter = ratelimit.NewFreqCounter()
	return r
}

// Direction returns the DirectionLimit for d.
func (r *Record) Direction(d Direction) *DirectionLimit {
	if d == Upload {
		return &r.Upload
	}
	return &r.Download
}

// LastRequestEndTick is the unix-ms timestamp of the most recent detach.
func (r *Record) LastRequestEndTick() int64 { return r.lastRequestEndTick.Load() }

// Table is the process-wide registry of user share records, protected by a
// single read-write lock exactly as flt_weir.c's `state_lock` guards its
// khash table.
type Table struct {
	mu      sync.RWMutex
	records map[string]*Record

	lastSweep atomic.Int64 // unix ms

	log logging.Logger
}

// New returns an empty table.
func New(log logging.Logger) *Table {
	if log == nil {
		log = logging.NewDefaultLog(nil)
	}
	return &Table{records: make(map[string]*Record), log: log}
}

// IngestShare creates the record for userKey if absent and updates the
// given direction's share, but only if timestamp is not older than the
// share already stored (monotone shares). Values above MaxBytesPerSecond
// are clamped with a warning.
func (t *Table) IngestShare(timestamp time.Time, userKey string, direction Direction, bytesPerSecond uint64) {
	clamped := bytesPerSecond
	if clamped > uint64(MaxBytesPerSecond) {
		t.log.Warnf("clamping share for user=%s direction=%s from %d to %d", userKey, direction, bytesPerSecond, MaxBytesPerSecond)
		clamped = uint64(MaxBytesPerSecond)
	}

	ts := uint64(timestamp.UnixNano())
	rec := t.getOrCreate(userKey)
	dl := rec.Direction(direction)

	dl.ingestMu.Lock()
	defer dl.ingestMu.Unlock()

	if ts < dl.limitTimestamp.Load() {
		return
	}
	dl.limitTimestamp.Store(ts)
	dl.bytesPerSecond.Store(uint32(clamped))
	dl.limitReceived.Store(true)
}

func (t *Table) getOrCreate(userKey string) *Record {
	t.mu.RLock()
	rec, ok := t.records[userKey]
	t.mu.RUnlock()
	if ok {
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok = t.records[userKey]; ok {
		return rec
	}
	rec = newRecord(userKey)
	t.records[userKey] = rec
	return rec
}

// Lookup returns the record for userKey and whether it exists, without
// creating it.
func (t *Table) Lookup(userKey string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userKey]
	return rec, ok
}

// OnAttach increments the direction's active-request count and returns the
// owning record, creating it if this is the first request seen for userKey.
// It opportunistically triggers a sweep at most once per sweepInterval.
func (t *Table) OnAttach(userKey string, direction Direction) *Record {
	rec := t.getOrCreate(userKey)
	rec.Direction(direction).activeRequests.Add(1)
	t.maybeSweep(time.Now())
	return rec
}

// OnDetach decrements the direction's active-request count and stamps the
// record's last-request-end tick, returning the new count. A decrement
// below zero is clamped to zero and logged, never panics.
func (t *Table) OnDetach(rec *Record, direction Direction, now time.Time) int32 {
	dl := rec.Direction(direction)
	newCount := dl.activeRequests.Add(-1)
	if newCount < 0 {
		t.log.Warnf("active_requests went negative for user=%s direction=%s, clamping", rec.UserKey, direction)
		dl.activeRequests.Store(0)
		newCount = 0
	}
	rec.lastRequestEndTick.Store(now.UnixMilli())
	return newCount
}

func (t *Table) maybeSweep(now time.Time) {
	nowMs := now.UnixMilli()
	for {
		last := t.lastSweep.Load()
		if nowMs-last < sweepInterval.Milliseconds() {
			return
		}
		if t.lastSweep.CompareAndSwap(last, nowMs) {
			break
		}
	}
	t.Sweep(now)
}

// Sweep removes every record whose upload and download active-request
// counts are both non-positive and whose grace period since the last
// request end has elapsed, matching C2's cleanup rule.
func (t *Table) Sweep(now time.Time) int {
	nowMs := now.UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		if rec.Upload.activeRequests.Load() > 0 || rec.Download.activeRequests.Load() > 0 {
			continue
		}
		lastEnd := rec.lastRequestEndTick.Load()
		if lastEnd == 0 {
			continue // never had a request; don't evict a freshly created record
		}
		if nowMs-lastEnd < gracePeriod.Milliseconds() {
			continue
		}
		delete(t.records, key)
		removed++
	}
	return removed
}

// Len returns the number of records currently tracked.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Snapshot returns every record sorted by user key, for the admin CSV dump.
// Callers must not mutate the returned slice's Record contents concurrently
// with table writers beyond what the atomics already guard.
func (t *Table) Snapshot() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserKey < out[j].UserKey })
	return out
}
