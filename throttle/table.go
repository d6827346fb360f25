// Package throttle implements the IP/port-to-user mapping and the
// per-user exponential-backoff violation policy (C3), grounded on
// rate_limit.c's ip_port_key_hashmap / speed_hash tables and its
// rl_speed_throttle/set_throttle_epoch_us functions.
package throttle

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weir/weir/scheduler"
)

// Direction identifies which half of a connection a policy applies to.
type Direction int

const (
	Download Direction = iota
	Upload
)

const (
	// backoffWindowEpochs is BACKOFF_WINDOW_EPOCHS: a policy older than this
	// many seconds is no longer valid and speed_throttle returns NoThrottle.
	backoffWindowEpochs = 6

	// stalePolicyAge is SPEED_TABLE_STALE_POLICY_AGE_SEC: the sweeper removes
	// anything older than this regardless of validity.
	stalePolicyAge = 120 * time.Second

	// cleanupPeriod is SPEED_TABLE_CLEANUP_PERIOD_USEC.
	cleanupPeriod = 60 * time.Second

	minRunTimeUsec      = 50_000
	maxRunTimeUsec       = 1_000_000
	diffRatioJitterMark  = 1.5
	defaultBaseJitterMs  = 2
)

// Verdict is the result of SpeedThrottle.
type Verdict int

const (
	NoThrottle Verdict = iota
	Throttle
)

// ThrottlePolicy is a single user/direction's installed violation policy.
type ThrottlePolicy struct {
	ReceivedEpochSec   uint32
	DiffRatio          float32
	PreviousDiffRatio  float32
	ElapsedUsecInEpoch uint64
	AllowedRunTimeUsec uint64
}

// isValid reports whether the policy is still within the backoff window as
// of currSec (clamping a negative age, from clock skew, to "freshly
// issued" rather than rejecting the policy outright).
func (p *ThrottlePolicy) isValid(currSec uint32) bool {
	age := policyAge(currSec, p.ReceivedEpochSec)
	return age <= backoffWindowEpochs
}

func policyAge(currSec, receivedSec uint32) uint32 {
	if currSec < receivedSec {
		return 0
	}
	return currSec - receivedSec
}

func (p *ThrottlePolicy) computeAllowedRunTime(currSec uint32) {
	age := policyAge(currSec, p.ReceivedEpochSec)

	allowed := uint64(float64(p.ElapsedUsecInEpoch) / float64(p.DiffRatio))
	if allowed < minRunTimeUsec {
		allowed = minRunTimeUsec
	}

	switch {
	case age == 0:
		p.AllowedRunTimeUsec = 0
	case age <= backoffWindowEpochs:
		allowed <<= (age - 1) // × 2^(age-1)
		if allowed > maxRunTimeUsec {
			allowed = maxRunTimeUsec
		}
		p.AllowedRunTimeUsec = allowed
	default:
		p.AllowedRunTimeUsec = maxRunTimeUsec
	}
}

// Table holds the ip_port→user_key map, the user_key→connection-count map,
// and the two (download/upload) user_key→ThrottlePolicy maps. The first two
// maps change together under one rwlock; each policy map has its own.
type Table struct {
	ipPortMu sync.RWMutex
	ipPort   map[uint64]string
	connCnt  map[string]uint32

	policyMu [2]sync.RWMutex
	policies [2]map[string]*ThrottlePolicy

	baseJitterMs atomic.Int64

	sweepDir int32 // Direction of the next sweep; alternates each tick.
	sweeper  *scheduler.Ticker
}

// New returns an empty throttle table and starts its background sweeper.
func New() *Table {
	t := &Table{
		ipPort:   make(map[uint64]string),
		connCnt:  make(map[string]uint32),
		sweepDir: int32(Download),
	}
	t.policies[Download] = make(map[string]*ThrottlePolicy)
	t.policies[Upload] = make(map[string]*ThrottlePolicy)
	t.baseJitterMs.Store(defaultBaseJitterMs)

	t.sweeper = scheduler.NewTicker(cleanupPeriod, t.sweepTick)
	t.sweeper.Start()
	return t
}

// Close stops the sweeper goroutine. Safe to call multiple times.
func (t *Table) Close() {
	t.sweeper.Stop()
}

// SetJitterRange overrides the base jitter range in milliseconds (the
// rate_limit.c `set_jitter_range` knob), for tuning or tests.
func (t *Table) SetJitterRange(ms int) { t.baseJitterMs.Store(int64(ms)) }

// IPPort packs an IPv4 address and port into the 64-bit key used to index
// the ip_port map, matching ip_port_from_sockaddr.
func IPPort(ip [4]byte, port uint16) uint64 {
	v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	return uint64(v)<<32 | uint64(port)
}

// SetIPPortKey maps ipPort to userKey, incrementing userKey's connection
// count. If ipPort was previously mapped to a different user, that user's
// connection count is decremented.
func (t *Table) SetIPPortKey(ipPort uint64, userKey string) {
	t.ipPortMu.Lock()
	prev, had := t.ipPort[ipPort]
	t.ipPort[ipPort] = userKey
	if had && prev != userKey {
		t.decrConnCountLocked(prev)
	}
	t.incrConnCountLocked(userKey)
	t.ipPortMu.Unlock()
}

func (t *Table) incrConnCountLocked(userKey string) { t.connCnt[userKey]++ }

func (t *Table) decrConnCountLocked(userKey string) {
	if n, ok := t.connCnt[userKey]; ok {
		if n <= 1 {
			delete(t.connCnt, userKey)
		} else {
			t.connCnt[userKey] = n - 1
		}
	}
}

// RequestEnd removes ipPort's mapping and decrements its user's connection
// count.
func (t *Table) RequestEnd(ipPort uint64) {
	t.ipPortMu.Lock()
	defer t.ipPortMu.Unlock()
	userKey, ok := t.ipPort[ipPort]
	if !ok {
		return
	}
	delete(t.ipPort, ipPort)
	t.decrConnCountLocked(userKey)
}

// ConnectionCount returns the number of connections currently attributed to
// userKey.
func (t *Table) ConnectionCount(userKey string) uint32 {
	t.ipPortMu.RLock()
	defer t.ipPortMu.RUnlock()
	return t.connCnt[userKey]
}

func (t *Table) userKeyFor(ipPort uint64) (string, bool) {
	t.ipPortMu.RLock()
	defer t.ipPortMu.RUnlock()
	key, ok := t.ipPort[ipPort]
	return key, ok
}

// SetThrottleEpoch upserts the violation policy for userKey/direction,
// carrying the previous policy's diff ratio forward as previousDiffRatio.
func (t *Table) SetThrottleEpoch(userKey string, epochUs uint64, direction Direction, diffRatio float32, now time.Time) {
	currSec := uint32(now.Unix())
	policy := &ThrottlePolicy{
		ReceivedEpochSec:   currSec,
		DiffRatio:          diffRatio,
		ElapsedUsecInEpoch: epochUs % 1_000_000,
	}

	mu := &t.policyMu[direction]
	mu.Lock()
	defer mu.Unlock()
	if prev, ok := t.policies[direction][userKey]; ok {
		policy.PreviousDiffRatio = prev.DiffRatio
	}
	t.policies[direction][userKey] = policy
}

// SpeedThrottle looks up the policy installed for ipPort's user in
// direction and decides whether the caller should throttle now.
func (t *Table) SpeedThrottle(ipPort uint64, direction Direction, now time.Time) Verdict {
	userKey, ok := t.userKeyFor(ipPort)
	if !ok {
		return NoThrottle
	}

	currSec := uint32(now.Unix())
	elapsedInSec := uint64(now.Nanosecond() / 1000)

	mu := &t.policyMu[direction]
	mu.RLock()
	policy, ok := t.policies[direction][userKey]
	mu.RUnlock()
	if !ok || !policy.isValid(currSec) {
		return NoThrottle
	}

	// The allowed run time is recomputed on the shared policy under the
	// direction's write lock; the lookup above only takes the read lock.
	mu.Lock()
	policy.computeAllowedRunTime(currSec)
	allowed := policy.AllowedRunTimeUsec
	diffRatio, prevRatio := policy.DiffRatio, policy.PreviousDiffRatio
	mu.Unlock()

	if elapsedInSec < allowed {
		if jitter := t.jitterUsec(diffRatio, prevRatio); jitter > 0 {
			time.Sleep(time.Duration(jitter) * time.Microsecond)
		}
		return NoThrottle
	}
	return Throttle
}

func (t *Table) jitterUsec(diffRatio, prevRatio float32) int64 {
	grew := diffRatio-prevRatio > 0
	high := diffRatio >= diffRatioJitterMark || prevRatio >= diffRatioJitterMark
	if !high && !grew {
		return 0
	}
	rangeMs := t.baseJitterMs.Load()
	if rangeMs <= 0 {
		return 0
	}
	return rand.Int63n(rangeMs) * 1000
}

// sweepTick fires once per cleanupPeriod, alternating which direction's
// policy map it sweeps, matching the source sweeper's single thread
// alternating between the download and upload speed_hash tables.
func (t *Table) sweepTick(now time.Time) {
	dir := Direction(atomic.LoadInt32(&t.sweepDir))
	t.sweepDirection(dir, now)
	if dir == Download {
		atomic.StoreInt32(&t.sweepDir, int32(Upload))
	} else {
		atomic.StoreInt32(&t.sweepDir, int32(Download))
	}
}

// sweepDirection removes every policy older than stalePolicyAge for dir.
func (t *Table) sweepDirection(dir Direction, now time.Time) int {
	cutoff := uint32(now.Unix()) - uint32(stalePolicyAge.Seconds())
	mu := &t.policyMu[dir]
	mu.Lock()
	defer mu.Unlock()
	removed := 0
	for key, policy := range t.policies[dir] {
		if policy.ReceivedEpochSec < cutoff {
			delete(t.policies[dir], key)
			removed++
		}
	}
	return removed
}
