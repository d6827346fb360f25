// Package store implements the aggregator's store client (C7): a
// go-redis-backed pipeline wrapped in the connection state machine described
// by redis_utils.h's RedisServerConnection, plus a watcher that detects
// DNS changes on the configured host and requests a reconnect.
package store

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/weir/weir/logging"
	"github.com/weir/weir/metrics"
)

// connectBreakerTimeout is how long the connect breaker stays open after
// tripping before it allows another probe, standing in for the connect
// backoff the source client would otherwise keep retrying forever.
const connectBreakerTimeout = 30 * time.Second

// State mirrors RedisConnectionState.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DefaultCheckConnInterval is redis_check_conn_interval_sec's default.
const DefaultCheckConnInterval = 5 * time.Second

// Stats holds the monotonic counters required by §4.7.
type Stats struct {
	Sent       atomic.Uint64
	Received   atomic.Uint64
	Failures   atomic.Uint64
	Connects   atomic.Uint64
	Drops      atomic.Uint64
	Reconnects atomic.Uint64
}

// Options configures a Client.
type Options struct {
	// Addr is host:port of the redis server.
	Addr string
	// CheckConnInterval is how often the watcher resolves Addr's host and
	// compares it to the connected peer IP. Defaults to DefaultCheckConnInterval.
	CheckConnInterval time.Duration
}

// Client wraps a *redis.Client with an explicit connection state machine and
// a DNS-change reconnect watcher. A Client is used by exactly one consumer
// goroutine for command submission, matching the single-threaded hiredis
// async context it stands in for.
type Client struct {
	addr string
	host string

	checkInterval time.Duration

	mu     sync.Mutex
	state  State
	rdb    *redis.Client
	pipe   redis.Pipeliner
	peerIP net.IP

	needsReconnect atomic.Bool

	Stats Stats

	log logging.Logger
	met metrics.Metrics

	stop chan struct{}
	done chan struct{}

	// connectBreaker guards the connect/ping attempt in Connect, adapted
	// from circuit/ratebreaker.go's two-step gobreaker wrapping: repeated
	// connect failures trip it open so a dead redis server doesn't cost a
	// full backoff.Retry cycle on every call.
	connectBreaker *gobreaker.TwoStepCircuitBreaker
}

// New returns a Client in the Disconnected state. Connect must be called to
// start it, and the watcher goroutine is started by StartWatcher.
func New(opts Options, log logging.Logger, met metrics.Metrics) *Client {
	if log == nil {
		log = logging.NewDefaultLog(nil)
	}
	if met == nil {
		met = metrics.Void{}
	}
	if opts.CheckConnInterval <= 0 {
		opts.CheckConnInterval = DefaultCheckConnInterval
	}
	host, _, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		host = opts.Addr
	}

	c := &Client{
		addr:          opts.Addr,
		host:          host,
		checkInterval: opts.CheckConnInterval,
		state:         Disconnected,
		log:           log,
		met:           met,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.connectBreaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:    opts.Addr,
		Timeout: connectBreakerTimeout,
	})
	return c
}

// Connected reports whether the client currently believes itself connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect attempts to establish the connection. If not Disconnected, it
// logs and no-ops, mirroring connect()'s guard in redis_utils.h.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		c.log.Warnf("connect called while state=%s, ignoring", c.state)
		return
	}
	c.state = Connecting
	c.mu.Unlock()

	done, err := c.connectBreaker.Allow()
	if err != nil {
		c.log.Warnf("connect breaker open for %s, deferring to next attempt", c.addr)
		c.connectCallback(nil, nil, fmt.Errorf("connect breaker open for %s", c.addr))
		return
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.addr})

	peerIP, err := c.resolvePeer(ctx)
	if err != nil {
		c.log.Errorf("dns resolution failed for %s: %v", c.host, err)
	}

	pingErr := backoff.Retry(func() error {
		_, err := rdb.Ping(ctx).Result()
		if err != nil {
			c.log.Infof("failed to ping redis at %s, retrying with backoff: %v", c.addr, err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 7))
	done(pingErr == nil)

	if pingErr != nil {
		rdb.Close()
		c.connectCallback(nil, nil, pingErr)
		return
	}
	c.connectCallback(rdb, peerIP, nil)
}

// connectCallback mirrors RedisServerConnection::connectCallback.
func (c *Client) connectCallback(rdb *redis.Client, peerIP net.IP, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.Stats.Failures.Add(1)
		c.state = Disconnected
		if rdb != nil {
			rdb.Close()
		}
		c.log.Errorf("connect to %s failed: %v", c.addr, err)
		return
	}

	c.rdb = rdb
	c.pipe = rdb.Pipeline()
	c.peerIP = peerIP
	c.state = Connected
	c.Stats.Connects.Add(1)
	c.log.Infof("connected to %s", c.addr)
}

// disconnectCallback mirrors RedisServerConnection::disconnectCallback: a
// clean disconnect always triggers a fresh Connect.
func (c *Client) disconnectCallback(ctx context.Context) {
	c.mu.Lock()
	if c.rdb != nil {
		c.rdb.Close()
		c.rdb = nil
		c.pipe = nil
	}
	c.peerIP = nil
	c.state = Disconnected
	c.mu.Unlock()

	c.Connect(ctx)
}

// resolvePeer resolves c.host, preferring an IPv4 address and falling back
// to IPv6, matching checkIfNeedsReconnect's resolution order.
func (c *Client) resolvePeer(ctx context.Context) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, c.host)
	if err != nil {
		return nil, err
	}
	var v6 net.IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
		if v6 == nil {
			v6 = a.IP
		}
	}
	return v6, nil
}

// CheckNeedsReconnect resolves the configured host and compares it against
// the connected peer IP, setting the needs-reconnect flag on mismatch. It is
// a no-op unless Connected, and leaves the flag unchanged on resolution
// failure, per §4.7.
func (c *Client) CheckNeedsReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	peerIP := c.peerIP
	c.mu.Unlock()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, c.host)
	if err != nil {
		c.log.Warnf("dns resolution failed for %s, keeping current reconnect state: %v", c.host, err)
		return
	}

	for _, a := range addrs {
		if a.IP.Equal(peerIP) {
			return
		}
	}
	c.log.Infof("resolved address for %s changed, flagging reconnect", c.host)
	c.needsReconnect.Store(true)
}

// ReconnectIfNeeded transitions Connected->Disconnecting->Disconnected and
// reconnects if the watcher has flagged a DNS change. Called from the
// aggregator's consumer loop.
func (c *Client) ReconnectIfNeeded(ctx context.Context) {
	if !c.needsReconnect.Load() {
		return
	}
	c.needsReconnect.Store(false)

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnecting
	c.Stats.Reconnects.Add(1)
	c.mu.Unlock()

	c.disconnectCallback(ctx)
}

// StartWatcher starts the background goroutine that periodically calls
// CheckNeedsReconnect, standing in for the source's condition-variable-timed
// watcher thread.
func (c *Client) StartWatcher() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.checkInterval)
				c.CheckNeedsReconnect(ctx)
				cancel()
			}
		}
	}()
}

// Close signals the watcher to stop and closes the underlying connection.
func (c *Client) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
		<-c.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		c.rdb.Close()
		c.rdb = nil
	}
	c.state = Disconnected
}

// HIncrBy enqueues HINCRBY key field delta onto the pending pipeline.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe == nil {
		c.Stats.Drops.Add(1)
		return
	}
	c.pipe.HIncrBy(ctx, key, field, delta)
	c.Stats.Sent.Add(1)
}

// Expire enqueues EXPIRE key ttl onto the pending pipeline.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe == nil {
		c.Stats.Drops.Add(1)
		return
	}
	c.pipe.Expire(ctx, key, ttl)
	c.Stats.Sent.Add(1)
}

// SetEx enqueues SET key value EX ttl onto the pending pipeline.
func (c *Client) SetEx(ctx context.Context, key string, value int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe == nil {
		c.Stats.Drops.Add(1)
		return
	}
	c.pipe.Set(ctx, key, value, ttl)
	c.Stats.Sent.Add(1)
}

// Exec drains the pending pipeline, mirroring drainRedisCmdPipeline's
// non-blocking event-loop run. A fresh pipeline is armed for the next batch
// regardless of outcome.
func (c *Client) Exec(ctx context.Context) error {
	c.mu.Lock()
	pipe := c.pipe
	rdb := c.rdb
	if rdb != nil {
		c.pipe = rdb.Pipeline()
	}
	c.mu.Unlock()

	if pipe == nil {
		return nil
	}

	cmds, err := pipe.Exec(ctx)
	c.Stats.Received.Add(uint64(len(cmds)))
	if err != nil && err != redis.Nil {
		c.Stats.Failures.Add(1)
		c.met.IncCounter("store.exec_failure")
		return err
	}
	return nil
}

