package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withElapsedUsec(sec int64, usec int64) time.Time {
	return time.Unix(sec, usec*1000)
}

func TestSpeedThrottleExponentialBackoff(t *testing.T) {
	table := New()
	defer table.Close()

	ipPort := IPPort([4]byte{1, 2, 3, 4}, 80)
	table.SetIPPortKey(ipPort, "u")

	installAt := time.Unix(100, 0)
	table.SetThrottleEpoch("u", 750_000, Download, 2.0, installAt)

	// policy age 0: allowed_run_time_usec is forced to 0, any elapsed throttles.
	verdict := table.SpeedThrottle(ipPort, Download, withElapsedUsec(100, 100_000))
	require.Equal(t, Throttle, verdict)

	// policy age 1: allowed = max(50_000, 750_000/2.0) * 2^0 = 375_000.
	// elapsed (100_000) is below allowed, so the request is let through.
	verdict = table.SpeedThrottle(ipPort, Download, withElapsedUsec(101, 100_000))
	require.Equal(t, NoThrottle, verdict)

	// policy age 7 exceeds the backoff window: the policy is no longer valid.
	verdict = table.SpeedThrottle(ipPort, Download, withElapsedUsec(107, 100_000))
	require.Equal(t, NoThrottle, verdict)
}

func TestSpeedThrottleBacksOffBoundedRange(t *testing.T) {
	table := New()
	defer table.Close()

	policy := &ThrottlePolicy{
		ReceivedEpochSec:   100,
		DiffRatio:          2.0,
		ElapsedUsecInEpoch: 750_000,
	}
	for age := uint32(1); age <= backoffWindowEpochs; age++ {
		policy.computeAllowedRunTime(100 + age)
		require.GreaterOrEqual(t, policy.AllowedRunTimeUsec, uint64(minRunTimeUsec))
		require.LessOrEqual(t, policy.AllowedRunTimeUsec, uint64(maxRunTimeUsec))
	}
}

func TestSetIPPortKeyReassignsConnectionCounts(t *testing.T) {
	table := New()
	defer table.Close()

	ipPort := IPPort([4]byte{10, 0, 0, 1}, 9000)
	table.SetIPPortKey(ipPort, "alice")
	require.EqualValues(t, 1, table.ConnectionCount("alice"))

	table.SetIPPortKey(ipPort, "bob")
	require.EqualValues(t, 0, table.ConnectionCount("alice"))
	require.EqualValues(t, 1, table.ConnectionCount("bob"))
}

func TestRequestEndRemovesMappingAndDecrementsCount(t *testing.T) {
	table := New()
	defer table.Close()

	ipPort := IPPort([4]byte{127, 0, 0, 1}, 1234)
	table.SetIPPortKey(ipPort, "carol")
	table.RequestEnd(ipPort)

	require.EqualValues(t, 0, table.ConnectionCount("carol"))
	require.Equal(t, NoThrottle, table.SpeedThrottle(ipPort, Download, time.Now()))
}

func TestSpeedThrottleWithoutPolicyIsNoThrottle(t *testing.T) {
	table := New()
	defer table.Close()

	ipPort := IPPort([4]byte{8, 8, 8, 8}, 53)
	table.SetIPPortKey(ipPort, "dave")

	require.Equal(t, NoThrottle, table.SpeedThrottle(ipPort, Upload, time.Now()))
}

func TestSweepDirectionRemovesStalePolicies(t *testing.T) {
	table := New()
	defer table.Close()

	table.SetThrottleEpoch("erin", 0, Download, 1.0, time.Unix(0, 0))
	removed := table.sweepDirection(Download, time.Unix(0, 0).Add(121*time.Second))
	require.Equal(t, 1, removed)
}
