// Command weir-aggregatord runs the aggregator (C5-C8): it receives
// classified event lines over UDP from one or more enforcer instances,
// coalesces them into per-user bandwidth counters, and flushes them into
// redis on a batched cadence, grounded on syslog_server.cpp's producer/
// consumer worker pool.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/weir/weir/aggregator/ingest"
	"github.com/weir/weir/aggregator/process"
	"github.com/weir/weir/aggregator/store"
	"github.com/weir/weir/config"
	"github.com/weir/weir/logging"
	"github.com/weir/weir/metrics"
	"github.com/weir/weir/scheduler"
)

// worker bundles one UDP receiver with the coalescer and store client that
// drain it; workers are fully independent pipelines, per spec.md's
// concurrency model, so each owns its own redis connection.
type worker struct {
	id       int
	receiver *ingest.Receiver
	store    *store.Client
	consumer *scheduler.Consumer
}

func newWorker(id int, cfg *config.Config, appLog, accessLog logging.Logger, met metrics.Metrics) (*worker, error) {
	recv, err := ingest.New(ingest.Options{
		Port:         cfg.Port,
		MsgQueueSize: cfg.MsgQueueSize,
		WorkerID:     id,
	}, appLog)
	if err != nil {
		return nil, err
	}

	coalescer := process.New(cfg.Endpoint, appLog)
	coalescer.QosTTL = cfg.RedisQosTTL()
	coalescer.ConnTTL = cfg.RedisQosConnTTL()
	coalescer.BatchCount = cfg.MetricsBatchCount
	coalescer.BatchPeriod = cfg.MetricsBatchPeriod()
	coalescer.CheckConnInterval = cfg.RedisCheckConnInterval()

	cli := store.New(store.Options{
		Addr:              cfg.RedisServer,
		CheckConnInterval: cfg.RedisCheckConnInterval(),
	}, appLog, met)

	consumer := scheduler.NewConsumer(scheduler.ConsumerOptions{
		Lines:     recv.Lines,
		Coalescer: coalescer,
		Store:     cli,
		Log:       appLog,
	})

	w := &worker{id: id, receiver: recv, store: cli, consumer: consumer}
	go w.drainAccessLog(accessLog)
	return w, nil
}

// drainAccessLog forwards the raw JSON lines the receiver classified as
// access-log entries to the dedicated access logger, until the receiver
// closes the channel on shutdown.
func (w *worker) drainAccessLog(accessLog logging.Logger) {
	for line := range w.receiver.AccessLines {
		accessLog.Info(line)
	}
}

func (w *worker) run(ctx context.Context, wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()

	w.store.Connect(ctx)
	w.store.StartWatcher()

	go func() {
		if err := w.receiver.Run(); err != nil {
			log.Errorf("worker %d: receiver stopped: %v", w.id, err)
		}
	}()

	w.consumer.Run(ctx, stop)
	w.store.Close()
}

// openLogOutput opens name for appending, or returns nil (meaning stderr,
// per logging.Options) when name is empty.
func openLogOutput(name string) (io.Writer, error) {
	if name == "" {
		return nil, nil
	}
	return os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func run(cfg *config.Config) error {
	appOut, err := openLogOutput(cfg.LogFileName)
	if err != nil {
		return err
	}
	accessOut, err := openLogOutput(cfg.AccessLogFileName)
	if err != nil {
		return err
	}

	accessLogger := logging.Init(logging.Options{
		Level:                cfg.LogLevel,
		ApplicationLogOutput: appOut,
		AccessLogOutput:      accessOut,
	})

	appLog := logging.NewDefaultLog(nil)
	accessLog := logging.NewDefaultLog(accessLogger)
	met := metrics.Void{}

	numWorkers := cfg.NumOfSyslogServers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})

	workers := make([]*worker, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w, err := newWorker(i, cfg, appLog, accessLog, met)
		if err != nil {
			cancel()
			return err
		}
		workers = append(workers, w)
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go w.run(ctx, &wg, stop)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	log.Info("shutting down")
	close(stop)
	for _, w := range workers {
		w.receiver.Close()
	}
	cancel()
	wg.Wait()
	return nil
}

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatal(err)
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}
