package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weir/weir/logging"
)

func newTestReceiver() *Receiver {
	return &Receiver{
		Lines:       make(chan string, 8),
		AccessLines: make(chan string, 8),
		log:         logging.NewDefaultLog(nil),
	}
}

func TestClassifyRoutesRecognisedPrefixesToLines(t *testing.T) {
	r := newTestReceiver()
	r.classify("req~|~1.2.3.4:80~|~u~|~PUT~|~up~|~I~|~3~|~")

	require.Len(t, r.Lines, 1)
	require.Equal(t, "req~|~1.2.3.4:80~|~u~|~PUT~|~up~|~I~|~3~|~", <-r.Lines)
}

func TestClassifyRoutesJSONLinesToAccessLog(t *testing.T) {
	r := newTestReceiver()
	r.classify(`{"level":"info","msg":"hello"}`)

	require.Len(t, r.AccessLines, 1)
}

func TestClassifyFindsPrefixAfterSyslogFraming(t *testing.T) {
	r := newTestReceiver()
	r.classify("<134>Aug  3 12:00:00 host haproxy[1]: data_xfer~|~1.2.3.4:80~|~u~|~up~|~4096")

	require.Len(t, r.Lines, 1)
	require.Equal(t, "data_xfer~|~1.2.3.4:80~|~u~|~up~|~4096", <-r.Lines)
}

func TestClassifyDropsUnrecognisedLinesToGeneralLog(t *testing.T) {
	r := newTestReceiver()
	r.classify("some unrelated lua log message")

	require.Empty(t, r.Lines)
	require.Empty(t, r.AccessLines)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	r := newTestReceiver()
	r.Lines = make(chan string, 1)
	r.enqueue("req~|~a")
	r.enqueue("req~|~b") // must be dropped, not block

	require.Len(t, r.Lines, 1)
	require.Equal(t, "req~|~a", <-r.Lines)
}
