// Package process implements the event parser and coalescer (C6): it
// tokenizes enforcer event lines, folds them into per-(user, second,
// category) counters and per-connection gauges, and flushes both to a
// store on a batched cadence. Grounded on msg_processor.cpp's Processor.
package process

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/weir/weir/logging"
)

// DefaultBatchCount is DEFAULT_METRICS_BATCHING_COUNT.
const DefaultBatchCount = 250_000

// DefaultBatchPeriod is DEFAULT_METRICS_BATCHING_MSEC_PERIOD.
const DefaultBatchPeriod = 31 * time.Millisecond

// DefaultQosTTL and DefaultConnTTL mirror the aggregator's default TTLs.
const (
	DefaultQosTTL  = 2 * time.Second
	DefaultConnTTL = 60 * time.Second
)

// DefaultCheckConnInterval mirrors redis_check_conn_interval_sec's default;
// it bounds how often Flush retries Connect while disconnected.
const DefaultCheckConnInterval = 5 * time.Second

const delimiter = "~|~"

// Store is the pipelined command sink the coalescer flushes into. It is
// satisfied by aggregator/store.Client; tests use an in-memory fake.
type Store interface {
	Connected() bool
	Connect(ctx context.Context)
	HIncrBy(ctx context.Context, key, field string, delta int64)
	Expire(ctx context.Context, key string, ttl time.Duration)
	SetEx(ctx context.Context, key string, value int64, ttl time.Duration)
	Exec(ctx context.Context) error
}

// RedisCmdKey identifies one (user, second, category) counter bucket. It is
// a plain comparable struct, since flooring the timestamp to the second
// before constructing the key gives Go's native struct equality the same
// semantics as msg_processor.cpp's custom hash/equality pair.
type RedisCmdKey struct {
	User string
	Sec  int64
	Cat  string
}

// Coalescer accumulates event-derived counters between flushes.
type Coalescer struct {
	Endpoint    string
	QosTTL      time.Duration
	ConnTTL     time.Duration
	BatchCount  int
	BatchPeriod time.Duration

	// CheckConnInterval bounds how often Flush's disconnected branch
	// retries Connect, mirroring m_check_conn_interval's use in
	// sendToRedisQos.
	CheckConnInterval time.Duration

	commandMap map[RedisCmdKey]int64
	gaugeMap   map[string]int64
	pending    int

	lastFlush          time.Time
	lastConnectAttempt time.Time
	now                func() time.Time

	log logging.Logger
}

// New returns a Coalescer with the given endpoint suffix and defaulted
// batching/TTL parameters.
func New(endpoint string, log logging.Logger) *Coalescer {
	if log == nil {
		log = logging.NewDefaultLog(nil)
	}
	return &Coalescer{
		Endpoint:          endpoint,
		QosTTL:            DefaultQosTTL,
		ConnTTL:           DefaultConnTTL,
		BatchCount:        DefaultBatchCount,
		BatchPeriod:       DefaultBatchPeriod,
		CheckConnInterval: DefaultCheckConnInterval,
		commandMap:        make(map[RedisCmdKey]int64),
		gaugeMap:          make(map[string]int64),
		now:               time.Now,
		log:               log,
	}
}

func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func floorToSec(t time.Time) int64 { return t.Unix() }

// Process tokenizes one event line and folds it into the in-memory maps.
// Parsing failures are logged and the event is discarded.
func (c *Coalescer) Process(line string) {
	switch {
	case strings.HasPrefix(line, "req~|~"):
		c.processReq(line)
	case strings.HasPrefix(line, "req_end~|~"):
		c.processReqEnd(line)
	case strings.HasPrefix(line, "data_xfer~|~"):
		c.processDataXfer(line)
	case strings.HasPrefix(line, "active_reqs~|~"):
		c.processActiveReqs(line)
	case strings.HasPrefix(line, "weir-throttle~|~"):
		c.log.Infof("weir-throttle event: %s", line)
	default:
		c.log.Warnf("unrecognized message: %s", line)
	}
}

func tokenize(line string) []string {
	return strings.Split(line, delimiter)
}

// processReq handles req~|~ip:port~|~user~|~verb~|~dir~|~instance~|~active~|~class?
func (c *Coalescer) processReq(line string) {
	tokens := tokenize(line)
	if len(tokens) < 8 {
		c.log.Errorf("unexpected request format: %s", line)
		return
	}
	userKey, verb, direction, instance, activeStr, class := tokens[2], tokens[3], tokens[4], tokens[5], tokens[6], tokens[7]

	active, err := strconv.Atoi(activeStr)
	if err != nil {
		c.log.Errorf("unexpected active request format: %s", line)
		return
	}
	if !isPrintableASCII(userKey) {
		c.log.Errorf("invalid access key: %s", userKey)
		return
	}

	now := c.now()
	cmdUser := "user_" + userKey
	if class != "" {
		c.bump(RedisCmdKey{User: cmdUser, Sec: floorToSec(now), Cat: class}, 1)
	}
	c.bump(RedisCmdKey{User: cmdUser, Sec: floorToSec(now), Cat: verb}, 1)
	c.setGauge(c.connKey(direction, instance, userKey), int64(active))
	c.pending++
}

// processReqEnd handles req_end~|~ip:port~|~user~|~verb~|~dir~|~instance~|~active
func (c *Coalescer) processReqEnd(line string) {
	tokens := tokenize(line)
	if len(tokens) < 7 {
		c.log.Errorf("unexpected request-end format: %s", line)
		return
	}
	userKey, direction, instance, activeStr := tokens[2], tokens[4], tokens[5], tokens[6]

	active, err := strconv.Atoi(activeStr)
	if err != nil {
		c.log.Errorf("unexpected request-end format: %s", line)
		return
	}
	c.setGauge(c.connKey(direction, instance, userKey), int64(active))
	c.pending++
}

// processDataXfer handles data_xfer~|~ip:port~|~user~|~dir~|~bytes
func (c *Coalescer) processDataXfer(line string) {
	tokens := tokenize(line)
	if len(tokens) < 5 {
		c.log.Errorf("unexpected data_xfer format: %s", line)
		return
	}
	userKey, direction, bytesStr := tokens[2], tokens[3], tokens[4]

	n, err := strconv.Atoi(bytesStr)
	if err != nil {
		c.log.Errorf("unexpected data_xfer format: %s", line)
		return
	}
	if !isPrintableASCII(userKey) {
		c.log.Errorf("invalid access key: %s", userKey)
		return
	}
	if userKey == "" {
		return
	}

	now := c.now()
	cmdUser := "user_" + userKey
	c.bump(RedisCmdKey{User: cmdUser, Sec: floorToSec(now), Cat: "bnd_" + direction}, int64(n))
	c.pending++
}

// processActiveReqs handles active_reqs~|~instance~|~user~|~dir~|~count
func (c *Coalescer) processActiveReqs(line string) {
	tokens := tokenize(line)
	if len(tokens) < 5 {
		c.log.Errorf("unexpected active-requests format: %s", line)
		return
	}
	instance, userKey, direction, countStr := tokens[1], tokens[2], tokens[3], tokens[4]

	count, err := strconv.Atoi(countStr)
	if err != nil {
		c.log.Errorf("unexpected active-requests format: %s", line)
		return
	}
	c.setGauge(c.connKey(direction, instance, userKey), int64(count))
	c.pending++
}

func (c *Coalescer) connKey(direction, instance, userKey string) string {
	return "conn_v2_user_" + direction + "_" + instance + "_" + userKey + "$" + c.Endpoint
}

func (c *Coalescer) bump(key RedisCmdKey, delta int64) { c.commandMap[key] += delta }
func (c *Coalescer) setGauge(key string, value int64)  { c.gaugeMap[key] = value }

// ShouldFlush reports whether enough events or enough time have accumulated
// to warrant a flush.
func (c *Coalescer) ShouldFlush(now time.Time) bool {
	if c.pending >= c.BatchCount {
		return true
	}
	return now.Sub(c.lastFlush) >= c.BatchPeriod
}

// Flush submits the accumulated counters and gauges to store if connected,
// and then clears both maps. If the store is not connected, a
// reconnect is attempted at most once per CheckConnInterval and stale
// command_map entries older than QosTTL are dropped instead (the gauge map
// is always cleared regardless of connection state), matching
// sendToRedisQos's disconnected branch.
func (c *Coalescer) Flush(ctx context.Context, store Store, now time.Time) error {
	defer func() {
		c.pending = 0
		c.lastFlush = now
	}()

	if !store.Connected() {
		if c.lastConnectAttempt.IsZero() || now.Sub(c.lastConnectAttempt) > c.CheckConnInterval {
			c.lastConnectAttempt = now
			store.Connect(ctx)
		}

		cutoff := now.Add(-c.QosTTL).Unix()
		for key := range c.commandMap {
			if key.Sec < cutoff {
				delete(c.commandMap, key)
			}
		}
		c.gaugeMap = make(map[string]int64)
		return nil
	}

	keysExpired := make(map[string]bool, len(c.commandMap))
	for key, val := range c.commandMap {
		ssKey := "verb_" + strconv.FormatInt(key.Sec, 10) + "_" + key.User + "$" + c.Endpoint
		store.HIncrBy(ctx, ssKey, key.Cat, val)
		if !keysExpired[ssKey] {
			store.Expire(ctx, ssKey, c.QosTTL)
			keysExpired[ssKey] = true
		}
	}
	for key, val := range c.gaugeMap {
		store.SetEx(ctx, key, val, c.ConnTTL)
	}

	c.commandMap = make(map[RedisCmdKey]int64)
	c.gaugeMap = make(map[string]int64)

	return store.Exec(ctx)
}
