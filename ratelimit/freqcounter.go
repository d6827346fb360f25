// Package ratelimit implements the sliding-window byte counter and the
// bandwidth-sharing algorithm the enforcer filter runs on every payload
// chunk, grounded on the HAProxy `freq_ctr` primitive used by
// rate_limit.c/flt_weir.c and reimplemented here without the C library.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// FreqCounter is a two-bucket sliding-window counter over a fixed period.
// It tracks how many bytes were admitted in the current and previous
// buckets, and estimates the "current" load as a weighted blend of the two,
// exactly like HAProxy's freq_ctr: at any offset t into the current bucket,
// the estimated load is prev*(period-t)/period + curr.
//
// All operations are safe for concurrent use on the same counter: curr and
// prev are updated with atomics, and tick rotation is resolved with a CAS
// loop so at most one caller performs the rotation.
type FreqCounter struct {
	currTick int64 // unix ms of the start of the bucket currently in curr
	curr     uint64
	prev     uint64
}

// NewFreqCounter returns a zeroed counter.
func NewFreqCounter() *FreqCounter { return &FreqCounter{} }

func tickStart(now time.Time, periodMs uint32) int64 {
	ms := now.UnixMilli()
	p := int64(periodMs)
	return ms - (ms % p)
}

// rotate ensures curr/prev correspond to the bucket containing now,
// shifting curr into prev (or zeroing prev) as many periods as elapsed.
func (fc *FreqCounter) rotate(now time.Time, periodMs uint32) (tick int64, offsetMs int64) {
	tick = tickStart(now, periodMs)
	for {
		oldTick := atomic.LoadInt64(&fc.currTick)
		if tick == oldTick {
			return tick, now.UnixMilli() - tick
		}
		if tick < oldTick {
			// Clock moved backward relative to a concurrent rotation; treat
			// as belonging to the bucket already installed.
			return oldTick, now.UnixMilli() - oldTick
		}
		if !atomic.CompareAndSwapInt64(&fc.currTick, oldTick, tick) {
			continue // lost the race, re-read
		}
		elapsedPeriods := (tick - oldTick) / int64(periodMs)
		if elapsedPeriods == 1 {
			atomic.StoreUint64(&fc.prev, atomic.SwapUint64(&fc.curr, 0))
		} else {
			atomic.StoreUint64(&fc.prev, 0)
			atomic.StoreUint64(&fc.curr, 0)
		}
		return tick, now.UnixMilli() - tick
	}
}

// estimate returns the blended load (prev weighted by remaining fraction of
// the period, plus curr) at the given offset into the current bucket.
func estimate(prev, curr uint64, offsetMs int64, periodMs uint32) uint64 {
	if offsetMs < 0 {
		offsetMs = 0
	}
	remaining := int64(periodMs) - offsetMs
	if remaining < 0 {
		remaining = 0
	}
	weighted := (prev * uint64(remaining)) / uint64(periodMs)
	return weighted + curr
}

// Overshoot returns how many bytes the estimated current load exceeds limit
// by, as of now. A non-positive result means the counter is within budget.
func (fc *FreqCounter) Overshoot(periodMs uint32, limit uint32) int64 {
	return fc.OvershootAt(time.Now(), periodMs, limit)
}

// OvershootAt is Overshoot evaluated at a caller-supplied time, exposed for
// deterministic tests.
func (fc *FreqCounter) OvershootAt(now time.Time, periodMs uint32, limit uint32) int64 {
	_, offset := fc.rotate(now, periodMs)
	prev := atomic.LoadUint64(&fc.prev)
	curr := atomic.LoadUint64(&fc.curr)
	load := estimate(prev, curr, offset, periodMs)
	return int64(load) - int64(limit)
}

// Remaining returns how many bytes may still be admitted in the current
// window before limit is reached, floored at zero.
func (fc *FreqCounter) Remaining(periodMs uint32, limit uint32) uint32 {
	return fc.RemainingAt(time.Now(), periodMs, limit)
}

// RemainingAt is Remaining evaluated at a caller-supplied time.
func (fc *FreqCounter) RemainingAt(now time.Time, periodMs uint32, limit uint32) uint32 {
	over := fc.OvershootAt(now, periodMs, limit)
	if over >= 0 {
		return 0
	}
	remaining := -over
	if remaining > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(remaining)
}

// Update records that n bytes were admitted at now.
func (fc *FreqCounter) Update(periodMs uint32, n uint32) {
	fc.UpdateAt(time.Now(), periodMs, n)
}

// UpdateAt is Update evaluated at a caller-supplied time.
func (fc *FreqCounter) UpdateAt(now time.Time, periodMs uint32, n uint32) {
	fc.rotate(now, periodMs)
	atomic.AddUint64(&fc.curr, uint64(n))
}

// NextEventDelay returns the number of milliseconds until the counter's
// estimated load, decaying as the previous bucket's weight fades, drops
// back under limit. Returns 0 if already under limit.
func (fc *FreqCounter) NextEventDelay(periodMs uint32, limit uint32) uint32 {
	return fc.NextEventDelayAt(time.Now(), periodMs, limit)
}

// NextEventDelayAt is NextEventDelay evaluated at a caller-supplied time.
func (fc *FreqCounter) NextEventDelayAt(now time.Time, periodMs uint32, limit uint32) uint32 {
	_, offset := fc.rotate(now, periodMs)
	prev := atomic.LoadUint64(&fc.prev)
	curr := atomic.LoadUint64(&fc.curr)

	if curr <= uint64(limit) {
		// The moment prev's contribution alone would push us under limit is
		// immediate if curr is already within budget.
		load := estimate(prev, curr, offset, periodMs)
		if int64(load) < int64(limit) {
			return 0
		}
	}
	if prev == 0 {
		// No decaying contribution left to wait out; the caller must wait a
		// full period for curr to roll over.
		return uint32(int64(periodMs) - offset)
	}

	// Solve for remaining r (ms left in the bucket) such that
	// prev*r/period + curr <= limit, i.e. r <= (limit-curr)*period/prev.
	if int64(limit) <= int64(curr) {
		return uint32(int64(periodMs) - offset)
	}
	budget := uint64(limit) - curr
	rNeeded := (budget * uint64(periodMs)) / prev
	elapsedIntoRemaining := int64(periodMs) - offset - int64(rNeeded)
	if elapsedIntoRemaining < 0 {
		elapsedIntoRemaining = 0
	}
	return uint32(elapsedIntoRemaining)
}
