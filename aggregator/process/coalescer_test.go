package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	connected    bool
	connectCalls int
	hincrby      []string
	expire       []string
	setex        []string
}

func (f *fakeStore) Connected() bool           { return f.connected }
func (f *fakeStore) Connect(context.Context)   { f.connectCalls++ }
func (f *fakeStore) HIncrBy(_ context.Context, key, field string, delta int64) {
	f.hincrby = append(f.hincrby, key+" "+field+" "+itoa(delta))
}
func (f *fakeStore) Expire(_ context.Context, key string, ttl time.Duration) {
	f.expire = append(f.expire, key)
}
func (f *fakeStore) SetEx(_ context.Context, key string, value int64, ttl time.Duration) {
	f.setex = append(f.setex, key+" "+itoa(value))
}
func (f *fakeStore) Exec(context.Context) error { return nil }

func itoa(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func clockAt(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestCoalescingMatchesAggregatorScenario(t *testing.T) {
	c := New("E", nil)

	c.now = clockAt(time.Unix(10, 100_000_000))
	c.Process("req~|~1.2.3.4:80~|~u~|~PUT~|~up~|~I~|~3~|~")

	c.now = clockAt(time.Unix(10, 100_000_000))
	c.Process("data_xfer~|~1.2.3.4:80~|~u~|~up~|~4096")

	c.now = clockAt(time.Unix(10, 999_000_000))
	c.Process("data_xfer~|~1.2.3.4:80~|~u~|~up~|~1024")

	c.now = clockAt(time.Unix(11, 1_000_000))
	c.Process("data_xfer~|~1.2.3.4:80~|~u~|~up~|~1024")

	store := &fakeStore{connected: true}
	require.NoError(t, c.Flush(context.Background(), store, time.Unix(12, 0)))

	require.ElementsMatch(t, []string{
		"verb_10_user_u$E PUT 1",
		"verb_10_user_u$E bnd_up 5120",
		"verb_11_user_u$E bnd_up 1024",
	}, store.hincrby)
	require.ElementsMatch(t, []string{"verb_10_user_u$E", "verb_11_user_u$E"}, store.expire)
	require.Equal(t, []string{"conn_v2_user_up_I_u$E 3"}, store.setex)
}

func TestProcessDropsNonASCIIUserKey(t *testing.T) {
	c := New("E", nil)
	c.Process("data_xfer~|~1.2.3.4:80~|~\x01bad~|~up~|~100")

	require.Empty(t, c.commandMap)
}

func TestFlushWhenDisconnectedDropsStaleCommandsAndClearsGauges(t *testing.T) {
	c := New("E", nil)
	c.QosTTL = 2 * time.Second
	c.now = clockAt(time.Unix(10, 0))
	c.Process("data_xfer~|~1.2.3.4:80~|~u~|~up~|~100")
	c.gaugeMap["conn_v2_user_up_I_u$E"] = 3

	store := &fakeStore{connected: false}
	require.NoError(t, c.Flush(context.Background(), store, time.Unix(20, 0)))

	require.Empty(t, c.commandMap, "stale entry beyond qos_ttl must be dropped")
	require.Empty(t, c.gaugeMap, "gauge map is always cleared regardless of connection state")
}

func TestFlushWhenDisconnectedKeepsFreshCommands(t *testing.T) {
	c := New("E", nil)
	c.QosTTL = 10 * time.Second
	c.now = clockAt(time.Unix(10, 0))
	c.Process("data_xfer~|~1.2.3.4:80~|~u~|~up~|~100")

	store := &fakeStore{connected: false}
	require.NoError(t, c.Flush(context.Background(), store, time.Unix(11, 0)))

	require.Len(t, c.commandMap, 1, "entry within qos_ttl must survive")
}

func TestFlushWhenDisconnectedAttemptsReconnectOnFirstFlush(t *testing.T) {
	c := New("E", nil)
	c.now = clockAt(time.Unix(10, 0))
	c.Process("data_xfer~|~1.2.3.4:80~|~u~|~up~|~100")

	store := &fakeStore{connected: false}
	require.NoError(t, c.Flush(context.Background(), store, time.Unix(10, 0)))

	require.Equal(t, 1, store.connectCalls, "a disconnected store must be reconnected at least once")
}

func TestFlushWhenDisconnectedDoesNotReconnectBeforeCheckConnInterval(t *testing.T) {
	c := New("E", nil)
	c.CheckConnInterval = 5 * time.Second

	store := &fakeStore{connected: false}
	require.NoError(t, c.Flush(context.Background(), store, time.Unix(10, 0)))
	require.Equal(t, 1, store.connectCalls)

	require.NoError(t, c.Flush(context.Background(), store, time.Unix(12, 0)))
	require.Equal(t, 1, store.connectCalls, "a second attempt inside check_conn_interval must not reconnect again")
}

func TestFlushWhenDisconnectedReconnectsAfterCheckConnIntervalElapses(t *testing.T) {
	c := New("E", nil)
	c.CheckConnInterval = 5 * time.Second

	store := &fakeStore{connected: false}
	require.NoError(t, c.Flush(context.Background(), store, time.Unix(10, 0)))
	require.Equal(t, 1, store.connectCalls)

	require.NoError(t, c.Flush(context.Background(), store, time.Unix(16, 0)))
	require.Equal(t, 2, store.connectCalls, "a reconnect attempt is due once check_conn_interval has elapsed")
}

func TestShouldFlushOnCountOrPeriod(t *testing.T) {
	c := New("E", nil)
	c.BatchCount = 2
	c.BatchPeriod = time.Hour
	c.lastFlush = time.Unix(0, 0)

	c.pending = 1
	require.False(t, c.ShouldFlush(time.Unix(0, 0)))

	c.pending = 2
	require.True(t, c.ShouldFlush(time.Unix(0, 0)))

	c.pending = 0
	c.lastFlush = time.Unix(0, 0)
	require.True(t, c.ShouldFlush(time.Unix(0, 0).Add(2*time.Hour)))
}

func TestSecondBucketEquality(t *testing.T) {
	k1 := RedisCmdKey{User: "user_u", Sec: floorToSec(time.Unix(10, 100_000_000)), Cat: "PUT"}
	k2 := RedisCmdKey{User: "user_u", Sec: floorToSec(time.Unix(10, 900_000_000)), Cat: "PUT"}
	k3 := RedisCmdKey{User: "user_u", Sec: floorToSec(time.Unix(11, 0)), Cat: "PUT"}

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}
