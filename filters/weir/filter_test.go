package weir

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weir/weir/userlimit"
)

type fakeSink struct {
	lines []string
}

func (s *fakeSink) Emit(line string) { s.lines = append(s.lines, line) }

func newTestFilter() (*Filter, *fakeSink) {
	sink := &fakeSink{}
	f := New(Options{InstanceID: "host-8080"}, sink, nil, nil)
	return f, sink
}

func TestAttachWithoutIPv4ForwardsEverything(t *testing.T) {
	f, _ := newTestFilter()
	defer f.Close()

	st := f.Attach(nil, 0)
	f.Enable(st, "alice", "", "up", VerbPUT)
	forwarded, wait := f.Payload(st, 4096, time.Now())

	require.EqualValues(t, 4096, forwarded)
	require.Zero(t, wait)
}

func TestIdempotentEnableDoesNotDoubleCount(t *testing.T) {
	f, _ := newTestFilter()
	defer f.Close()

	st := f.Attach(net.ParseIP("1.2.3.4"), 80)
	f.Enable(st, "bob", "", "up", VerbPUT)
	f.Enable(st, "bob", "", "up", VerbPUT)

	rec, ok := f.Users.Lookup("bob")
	require.True(t, ok)
	require.EqualValues(t, 1, rec.Upload.ActiveRequests())
}

func TestEnableRejectsUnrecognisedDirection(t *testing.T) {
	f, _ := newTestFilter()
	defer f.Close()

	st := f.Attach(net.ParseIP("1.2.3.4"), 80)
	f.Enable(st, "carol", "", "sideways", VerbGET)

	_, ok := f.Users.Lookup("carol")
	require.False(t, ok, "enable must not register the user when direction is invalid")
}

func TestHeadersEmitsReqEvent(t *testing.T) {
	f, sink := newTestFilter()
	defer f.Close()

	st := f.Attach(net.ParseIP("1.2.3.4"), 80)
	f.Enable(st, "u", "", "up", VerbPUT)
	f.Headers(st)

	require.Len(t, sink.lines, 1)
	require.Contains(t, sink.lines[0], "req~|~1.2.3.4:80~|~u~|~PUT~|~up~|~host-8080~|~1~|~")
}

func TestDetachEmitsReqEndAndReleasesConnection(t *testing.T) {
	f, sink := newTestFilter()
	defer f.Close()

	st := f.Attach(net.ParseIP("1.2.3.4"), 80)
	f.Enable(st, "u", "", "up", VerbPUT)
	f.Headers(st)
	f.Detach(st, time.Unix(1000, 0))

	require.Len(t, sink.lines, 2)
	require.Contains(t, sink.lines[1], "req_end~|~1.2.3.4:80~|~u~|~PUT~|~up~|~host-8080~|~0")

	rec, _ := f.Users.Lookup("u")
	require.EqualValues(t, 0, rec.Upload.ActiveRequests())
}

func TestPayloadForwardsBelowLimit(t *testing.T) {
	f, sink := newTestFilter()
	defer f.Close()

	st := f.Attach(net.ParseIP("5.5.5.5"), 9090)
	f.Enable(st, "u2", "", "dwn", VerbGET)
	f.Users.IngestShare(time.Now(), "u2", userlimit.Download, 1000)

	forwarded, wait := f.Payload(st, 200, time.Unix(2000, 0))

	require.EqualValues(t, 200, forwarded)
	require.Zero(t, wait)
	require.Len(t, sink.lines, 1)
	require.Contains(t, sink.lines[0], "data_xfer~|~5.5.5.5:9090~|~u2~|~dwn~|~200")
}

func TestPayloadWaitsWhenShareExhausted(t *testing.T) {
	f, _ := newTestFilter()
	defer f.Close()

	st := f.Attach(net.ParseIP("5.5.5.5"), 9090)
	f.Enable(st, "u3", "", "dwn", VerbGET)
	f.Users.IngestShare(time.Now(), "u3", userlimit.Download, 1000)

	// The 1000 B/s share is floored to MinimumLimit (16 KiB/s), so offer
	// more than that to exhaust it.
	now := time.Unix(2000, 0)
	forwarded, wait := f.Payload(st, 20000, now)
	require.Less(t, forwarded, uint32(20000))
	require.NotZero(t, wait)

	// A second payload call before nextAllowedSendTick elapses must wait
	// without touching the freq counter again.
	forwarded2, wait2 := f.Payload(st, 2000, now.Add(time.Millisecond))
	require.EqualValues(t, 0, forwarded2)
	require.NotZero(t, wait2)
}
