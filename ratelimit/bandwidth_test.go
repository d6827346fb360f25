package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyBandwidthBelowLimit(t *testing.T) {
	now := time.Unix(1000, 0)
	counter := NewFreqCounter()

	result := applyBandwidthAt(now, counter, 1000, 1, 200)

	require.Equal(t, uint32(200), result.BytesToForward)
	require.Equal(t, uint32(0), result.WaitMs)
}

func TestApplyBandwidthOverLimit(t *testing.T) {
	now := time.Unix(1000, 0)
	counter := NewFreqCounter()
	counter.UpdateAt(now, PeriodMs, 1200)

	result := applyBandwidthAt(now, counter, 1000, 2, 500)

	require.Equal(t, uint32(0), result.BytesToForward)
	require.Equal(t, uint32(400), result.WaitMs)
}

func TestApplyBandwidthZeroLimitWaitsMax(t *testing.T) {
	now := time.Unix(1000, 0)
	counter := NewFreqCounter()
	counter.UpdateAt(now, PeriodMs, 1)

	result := applyBandwidthAt(now, counter, 0, 1, 500)

	require.Equal(t, uint32(0), result.BytesToForward)
	require.Equal(t, MaxWaitMs, result.WaitMs)
}

func TestApplyBandwidthSplitsQuotaAcrossActiveRequests(t *testing.T) {
	now := time.Unix(1000, 0)
	counter := NewFreqCounter()

	result := applyBandwidthAt(now, counter, 1000, 4, 1000)

	require.Equal(t, uint32(250), result.BytesToForward)
	require.Equal(t, uint32(0), result.WaitMs)
}

func TestFreqCounterSecondBucketEquality(t *testing.T) {
	counter := NewFreqCounter()
	base := time.Unix(1000, 0)

	counter.UpdateAt(base, PeriodMs, 500)
	firstOvershoot := counter.OvershootAt(base.Add(10*time.Millisecond), PeriodMs, 1000)

	counter.UpdateAt(base.Add(20*time.Millisecond), PeriodMs, 0)
	secondOvershoot := counter.OvershootAt(base.Add(20*time.Millisecond), PeriodMs, 1000)

	require.Equal(t, firstOvershoot, secondOvershoot)
}

func TestFreqCounterRotationDecaysPreviousBucket(t *testing.T) {
	counter := NewFreqCounter()
	base := time.Unix(1000, 0)

	counter.UpdateAt(base, PeriodMs, 1000)
	// Halfway into the next period, prev's weight should have halved.
	remaining := counter.RemainingAt(base.Add(1500*time.Millisecond), PeriodMs, 1000)
	require.Equal(t, uint32(500), remaining)
}

func TestFreqCounterConcurrentUpdatesAreSafe(t *testing.T) {
	counter := NewFreqCounter()
	now := time.Unix(1000, 0)

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			counter.UpdateAt(now, PeriodMs, 10)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	require.Equal(t, uint32(0), counter.RemainingAt(now, PeriodMs, 0))
	overshoot := counter.OvershootAt(now, PeriodMs, 0)
	require.Equal(t, int64(500), overshoot)
}
