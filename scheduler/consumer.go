package scheduler

import (
	"context"
	"time"

	"github.com/weir/weir/aggregator/process"
	"github.com/weir/weir/logging"
)

// queueLogInterval bounds how often the consumer logs its queue depth,
// matching the source consumer thread's "log queue size at most every 30s".
const queueLogInterval = 30 * time.Second

// Store is the subset of aggregator/store.Client the consumer drives
// directly: flush submission plus the reconnect check that used to live on
// the store's own consumer-facing API in the source implementation.
type Store interface {
	process.Store
	ReconnectIfNeeded(ctx context.Context)
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// Lines is the receiver's classified-event channel.
	Lines <-chan string
	// Coalescer folds lines into counters and flushes them to Store.
	Coalescer *process.Coalescer
	// Store is the pipelined command sink.
	Store Store
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time

	Log logging.Logger
}

// Consumer is the aggregator's tight per-worker loop: dequeue a line, fold
// it into the coalescer, flush on schedule, and keep the store client
// reconnected, mirroring messageConsumerThread's combined responsibilities.
type Consumer struct {
	lines     <-chan string
	coalescer *process.Coalescer
	store     Store
	now       func() time.Time
	log       logging.Logger

	lastQueueLogAt time.Time
}

// NewConsumer returns a Consumer ready to Run.
func NewConsumer(opts ConsumerOptions) *Consumer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logging.NewDefaultLog(nil)
	}
	return &Consumer{
		lines:     opts.Lines,
		coalescer: opts.Coalescer,
		store:     opts.Store,
		now:       now,
		log:       log,
	}
}

// Run processes lines until the channel is closed or stop fires. It flushes
// on every loop iteration the coalescer decides is due, and checks for a
// needed reconnect once per iteration.
func (c *Consumer) Run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			c.coalescer.Process(line)
			c.maybeLogQueueDepth()
			c.maybeFlush(ctx)
			c.store.ReconnectIfNeeded(ctx)
		}
	}
}

func (c *Consumer) maybeFlush(ctx context.Context) {
	now := c.now()
	if !c.coalescer.ShouldFlush(now) {
		return
	}
	if err := c.coalescer.Flush(ctx, c.store, now); err != nil {
		c.log.Errorf("flush to store failed: %v", err)
	}
}

func (c *Consumer) maybeLogQueueDepth() {
	now := c.now()
	if now.Sub(c.lastQueueLogAt) <= queueLogInterval {
		return
	}
	c.log.Infof("aggregator consumer queue_len=%d", len(c.lines))
	c.lastQueueLogAt = now
}
