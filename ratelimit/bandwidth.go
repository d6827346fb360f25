package ratelimit

import "time"

// Period is the fixed window apply_bandwidth operates over.
const Period = 1000 * time.Millisecond

// PeriodMs is Period expressed in milliseconds, the unit FreqCounter works in.
const PeriodMs uint32 = 1000

// MaxWaitMs bounds the wait ApplyBandwidth ever returns.
const MaxWaitMs uint32 = 2 * PeriodMs

// Result is the outcome of one ApplyBandwidth call: how many of the
// available bytes may be forwarded now, and how long the caller should wait
// before attempting to forward more.
type Result struct {
	BytesToForward uint32
	WaitMs         uint32
}

// ApplyBandwidth decides how many of the available bytes a single request
// may forward this tick, splitting the remaining per-period quota evenly
// across the user's concurrently active requests in this direction.
//
// counter tracks bytes admitted in the current window; limit is the user's
// configured bytes-per-second share; requests is the number of concurrently
// active requests sharing that limit; available is the number of bytes the
// caller has ready to send.
func ApplyBandwidth(counter *FreqCounter, limit uint32, requests int32, available uint32) Result {
	return applyBandwidthAt(time.Now(), counter, limit, requests, available)
}

func applyBandwidthAt(now time.Time, counter *FreqCounter, limit uint32, requests int32, available uint32) Result {
	if requests < 1 {
		requests = 1
	}

	overshoot := counter.OvershootAt(now, PeriodMs, limit)
	if overshoot > 0 {
		var wait uint32
		if limit == 0 {
			wait = MaxWaitMs
		} else {
			wait = clampWaitMs(uint64(overshoot) * uint64(PeriodMs) * uint64(requests) / uint64(limit))
		}
		return Result{BytesToForward: 0, WaitMs: wait}
	}

	quota := counter.RemainingAt(now, PeriodMs, limit)
	perRequest := ceilDiv(quota, uint32(requests))
	forward := available
	if perRequest < forward {
		forward = perRequest
	}

	counter.UpdateAt(now, PeriodMs, forward)

	var wait uint32
	if forward < available {
		wait = clampWaitMs(uint64(counter.NextEventDelayAt(now, PeriodMs, limit)))
	}
	return Result{BytesToForward: forward, WaitMs: wait}
}

func clampWaitMs(ms uint64) uint32 {
	if ms > uint64(MaxWaitMs) {
		return MaxWaitMs
	}
	return uint32(ms)
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return (a + b - 1) / b
}
