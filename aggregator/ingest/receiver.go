// Package ingest implements the UDP line receiver (C5): one socket per
// aggregator worker, bound with SO_REUSEPORT, its receive buffer sized off
// /proc/sys/net/core/rmem_max, feeding classified event lines onto a
// bounded channel standing in for the SPSC queue used by syslog_server.cpp.
package ingest

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/weir/weir/logging"
)

// DefaultMsgQueueSize is the fallback queue capacity when unconfigured.
const DefaultMsgQueueSize = 1024

// statsLogInterval bounds how often periodic producer statistics are
// logged, matching STATS_LOG_INTERVAL.
const statsLogInterval = 30 * time.Second

// rmemMaxPath is where the kernel publishes its receive-buffer ceiling.
const rmemMaxPath = "/proc/sys/net/core/rmem_max"

var eventPrefixes = []string{"req~|~", "req_end~|~", "data_xfer~|~", "active_reqs~|~"}

// Receiver owns one UDP socket and classifies incoming datagrams into
// recognised event lines (delivered on Lines), JSON access-log lines
// (delivered on AccessLines) and everything else (logged directly).
type Receiver struct {
	conn       *net.UDPConn
	workerID   int
	correlation string

	Lines       chan string
	AccessLines chan string

	log logging.Logger

	totalProcessed int64
	lastLogged     int64
	lastStatsAt    time.Time

	bufferLen int
}

// Options configures a Receiver.
type Options struct {
	Port         int
	MsgQueueSize int
	WorkerID     int
}

// New binds a UDP socket on opts.Port with SO_REUSEPORT set, sizes its
// receive buffer to twice rmem_max (so the kernel's internal doubling lands
// at exactly rmem_max of usable payload capacity), and returns a Receiver
// ready to Run.
func New(opts Options, log logging.Logger) (*Receiver, error) {
	if opts.MsgQueueSize <= 0 {
		opts.MsgQueueSize = DefaultMsgQueueSize
	}
	if log == nil {
		log = logging.NewDefaultLog(nil)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(opts.Port))
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	bufferLen, err := sizeRecvBuffer(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Receiver{
		conn:        conn,
		workerID:    opts.WorkerID,
		correlation: uuid.NewString(),
		Lines:       make(chan string, opts.MsgQueueSize),
		AccessLines: make(chan string, opts.MsgQueueSize),
		log:         log,
		lastStatsAt: time.Now(),
		bufferLen:   bufferLen,
	}, nil
}

// rmemMax reads the kernel's receive-buffer ceiling, falling back to a
// conservative default when it cannot be read.
func rmemMax() int {
	const fallback = 212_992
	data, err := os.ReadFile(rmemMaxPath)
	if err != nil {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func sizeRecvBuffer(conn *net.UDPConn) (int, error) {
	desired := 2 * rmemMax()
	if err := conn.SetReadBuffer(desired); err != nil {
		return 0, err
	}
	// The kernel floors/doubles internally; read back what we actually got.
	f, err := conn.File()
	if err != nil {
		return desired, nil
	}
	defer f.Close()
	actual, err := syscall.GetsockoptInt(int(f.Fd()), syscall.SOL_SOCKET, syscall.SO_RCVBUF)
	if err != nil || actual <= 0 {
		return desired, nil
	}
	return actual, nil
}

// Run loops receiving datagrams until the socket is closed, classifying
// each line and routing it onto Lines, AccessLines, or the general log.
func (r *Receiver) Run() error {
	defer close(r.Lines)
	defer close(r.AccessLines)

	buf := make([]byte, r.bufferLen+1)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		if n == r.bufferLen {
			r.log.Errorf("message is too big, dropping (correlation=%s)", r.correlation)
			continue
		}

		line := strings.TrimRight(string(buf[:n]), "\n")
		r.classify(line)
		r.maybeLogStats()
	}
}

func (r *Receiver) classify(line string) {
	for _, prefix := range eventPrefixes {
		if idx := strings.Index(line, prefix); idx >= 0 {
			r.enqueue(line[idx:])
			return
		}
	}
	if strings.HasPrefix(line, "{") {
		select {
		case r.AccessLines <- line:
		default:
			r.log.Errorf("access log queue full, dropping line (correlation=%s)", r.correlation)
		}
		return
	}
	r.log.Infof("unclassified line: %s", line)
}

func (r *Receiver) enqueue(line string) {
	select {
	case r.Lines <- line:
	default:
		r.log.Errorf("queue is full, dropping message: %s", line)
	}
}

func (r *Receiver) maybeLogStats() {
	r.totalProcessed++
	now := time.Now()
	if now.Sub(r.lastStatsAt) <= statsLogInterval {
		return
	}
	delta := r.totalProcessed - r.lastLogged
	r.log.Infof("msg producer worker_id=%d queue_len=%d processed_since_last_log=%d", r.workerID, len(r.Lines), delta)
	r.lastLogged = r.totalProcessed
	r.lastStatsAt = now
}

// Close shuts down the underlying socket, causing Run to return.
func (r *Receiver) Close() error { return r.conn.Close() }

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
