// Package weir implements the enforcer (C4): the per-stream state machine
// that decides how many bytes of a payload chunk may be forwarded right
// now and how long to wait before the next decision, grounded on
// flt_weir.c's filter lifecycle (attach/enable/http_headers/http_payload/
// detach) and rate_limit.c's speed_throttle.
package weir

import (
	"net"
	"strconv"
	"time"

	"github.com/weir/weir/logging"
	"github.com/weir/weir/metrics"
	"github.com/weir/weir/ratelimit"
	"github.com/weir/weir/scheduler"
	"github.com/weir/weir/throttle"
	"github.com/weir/weir/userlimit"
)

// Options configures a Filter, mirroring the weir filter keyword's
// arguments in the host proxy's configuration language.
type Options struct {
	// ActiveRequestsRefreshInterval is how often the refresh task emits
	// active_reqs liveness events. Default 10s.
	ActiveRequestsRefreshInterval time.Duration

	// UnknownUserLimit is the bytes/s share assumed for a user who has not
	// yet had a share ingested. Default 10 MiB/s.
	UnknownUserLimit uint32

	// MinimumLimit floors any received share. Default 16 KiB/s.
	MinimumLimit uint32

	InstanceID string
}

const (
	DefaultRefreshInterval   = 10 * time.Second
	DefaultUnknownUserLimit  = 10 * 1024 * 1024
	DefaultMinimumLimit      = 16 * 1024
)

func (o Options) withDefaults() Options {
	if o.ActiveRequestsRefreshInterval <= 0 {
		o.ActiveRequestsRefreshInterval = DefaultRefreshInterval
	}
	if o.UnknownUserLimit == 0 {
		o.UnknownUserLimit = DefaultUnknownUserLimit
	}
	if o.MinimumLimit == 0 {
		o.MinimumLimit = DefaultMinimumLimit
	}
	return o
}

// Filter is the process-wide enforcer: the shared registries plus
// configuration, from which per-stream StreamState values are created on
// Attach. It is the Go analogue of flt_weir.c's struct weir_filter_config.
type Filter struct {
	opts Options

	Users    *userlimit.Table
	Throttle *throttle.Table

	sink    EventSink
	log     logging.Logger
	metrics metrics.Metrics

	refresh *scheduler.Ticker
}

// New creates a Filter backed by freshly created user-limit and throttle
// tables, wiring event lines to sink.
func New(opts Options, sink EventSink, log logging.Logger, m metrics.Metrics) *Filter {
	if log == nil {
		log = logging.NewDefaultLog(nil)
	}
	if m == nil {
		m = metrics.Void{}
	}
	f := &Filter{
		opts:     opts.withDefaults(),
		Users:    userlimit.New(log),
		Throttle: throttle.New(),
		sink:     sink,
		log:      log,
		metrics:  m,
	}
	f.refresh = scheduler.NewTicker(f.opts.ActiveRequestsRefreshInterval, func(time.Time) { f.emitActiveReqs() })
	f.refresh.Start()
	return f
}

// Close stops the refresh task and the throttle table's sweeper.
func (f *Filter) Close() {
	f.refresh.Stop()
	f.Throttle.Close()
}

// StreamState is the per-request state the filter tracks between Attach and
// Detach, touched only by the owning stream's goroutine (spec.md §5's
// single-writer rule), mirroring struct weir_lim_state.
type StreamState struct {
	RemoteIP   net.IP
	RemotePort uint16
	hasIPv4    bool

	ipPort uint64

	UserKey      string
	RequestClass string
	Verb         Verb

	// Direction is the validated operation-direction sample ("up"/"dwn"),
	// used for the event-line literal and for throttle-table lookups.
	Direction userlimit.Direction

	// verbDirection is the DirectionLimit (upload/download share + freq
	// counter) this stream draws on, derived from the HTTP verb.
	verbDirection userlimit.Direction

	record *userlimit.Record

	nextAllowedSendTick int64 // unix ms; 0 means unset

	enabled          bool
	headersProcessed bool
}

// Attach allocates stream state for a new request. An empty or non-IPv4
// remote address yields a state that, when Payload is later called, simply
// forwards everything unchanged.
func (f *Filter) Attach(remoteIP net.IP, remotePort uint16) *StreamState {
	st := &StreamState{RemotePort: remotePort}
	if v4 := remoteIP.To4(); v4 != nil {
		st.RemoteIP = v4
		st.hasIPv4 = true
		var b [4]byte
		copy(b[:], v4)
		st.ipPort = throttle.IPPort(b, remotePort)
	}
	return st
}

// Enable transitions Attached→Enabled: it parses the user-key/class/
// direction samples, registers the stream against the user-limit table, and
// increments the verb-derived active-request counter. A second call on an
// already-enabled stream is a no-op (idempotent enable).
func (f *Filter) Enable(st *StreamState, userKey, requestClass, direction string, verb Verb) {
	if st.enabled {
		f.log.Warnf("weir filter enabled twice for user=%s, ignoring", userKey)
		return
	}

	dir, ok := parseDirection(direction)
	if !ok {
		f.log.Warnf("unrecognised operation-direction %q, leaving filter disabled", direction)
		return
	}

	st.enabled = true
	st.UserKey = userKey
	st.RequestClass = requestClass
	st.Verb = verb
	st.Direction = dir
	st.verbDirection = VerbDirection(verb)

	st.record = f.Users.OnAttach(userKey, st.verbDirection)

	if st.hasIPv4 {
		f.Throttle.SetIPPortKey(st.ipPort, userKey)
	}
}

func parseDirection(s string) (userlimit.Direction, bool) {
	switch s {
	case "up":
		return userlimit.Upload, true
	case "dwn":
		return userlimit.Download, true
	default:
		return 0, false
	}
}

// Headers transitions Enabled→HeadersProcessed, emitting one req event when
// the stream has an IPv4 remote address.
func (f *Filter) Headers(st *StreamState) {
	if !st.enabled {
		return
	}
	st.headersProcessed = true
	if !st.hasIPv4 {
		return
	}

	dl := st.record.Direction(st.verbDirection)
	line := formatReq(remoteKey(st.RemoteIP, st.RemotePort), st.UserKey, st.Verb, st.Direction, f.opts.InstanceID, dl.ActiveRequests(), st.RequestClass)
	f.sink.Emit(line)
}

// Payload processes one chunk of available bytes and returns how many may
// be forwarded now plus how long to wait before the next decision.
func (f *Filter) Payload(st *StreamState, available uint32, now time.Time) (forward uint32, wait time.Duration) {
	if !st.enabled || !st.hasIPv4 {
		return available, 0
	}

	if st.nextAllowedSendTick != 0 && now.UnixMilli() < st.nextAllowedSendTick {
		return 0, time.Duration(st.nextAllowedSendTick-now.UnixMilli()) * time.Millisecond
	}

	if f.Throttle.SpeedThrottle(st.ipPort, throttleDirection(st.Direction), now) == throttle.Throttle {
		st.nextAllowedSendTick = now.UnixMilli() + 1
		dl := st.record.Direction(st.verbDirection)
		if dl.MarkThrottleLogged(now.UnixMilli()) {
			f.sink.Emit(formatWeirThrottle(now.UnixNano()/1000, st.UserKey, st.Direction))
		}
		return 0, time.Millisecond
	}

	dl := st.record.Direction(st.verbDirection)
	share := dl.BytesPerSecond()
	if !dl.LimitReceived() {
		share = f.opts.UnknownUserLimit
	}
	if share < f.opts.MinimumLimit {
		share = f.opts.MinimumLimit
	}

	result := ratelimit.ApplyBandwidth(dl.Counter, share, dl.ActiveRequests(), available)
	if result.BytesToForward > 0 {
		f.sink.Emit(formatDataXfer(remoteKey(st.RemoteIP, st.RemotePort), st.UserKey, st.Direction, result.BytesToForward))
		f.metrics.IncCounterBy("bytes_forwarded_total", float64(result.BytesToForward))
	}
	if result.BytesToForward < available {
		f.metrics.IncCounter("bandwidth_waits_total")
	}

	if result.WaitMs > 0 {
		st.nextAllowedSendTick = now.UnixMilli() + int64(result.WaitMs)
	}
	return result.BytesToForward, time.Duration(result.WaitMs) * time.Millisecond
}

func throttleDirection(d userlimit.Direction) throttle.Direction {
	if d == userlimit.Upload {
		return throttle.Upload
	}
	return throttle.Download
}

// Detach transitions any state to Ended, emitting req_end and releasing the
// stream's claim on the ip_port→user mapping.
func (f *Filter) Detach(st *StreamState, now time.Time) {
	if !st.enabled || !st.headersProcessed {
		return
	}

	newCount := f.Users.OnDetach(st.record, st.verbDirection, now)

	line := formatReqEnd(remoteKey(st.RemoteIP, st.RemotePort), st.UserKey, st.Verb, st.Direction, f.opts.InstanceID, newCount)
	f.sink.Emit(line)

	if st.hasIPv4 {
		f.Throttle.RequestEnd(st.ipPort)
	}
}

func remoteKey(ip net.IP, port uint16) string {
	if ip == nil {
		return ":0"
	}
	return ip.String() + ":" + strconv.Itoa(int(port))
}

// emitActiveReqs is the C8 refresh task's payload: it emits an active_reqs
// liveness event for every user/direction with active requests.
func (f *Filter) emitActiveReqs() {
	for _, rec := range f.Users.Snapshot() {
		if n := rec.Upload.ActiveRequests(); n > 0 {
			f.sink.Emit(formatActiveReqs(f.opts.InstanceID, rec.UserKey, userlimit.Upload, n))
		}
		if n := rec.Download.ActiveRequests(); n > 0 {
			f.sink.Emit(formatActiveReqs(f.opts.InstanceID, rec.UserKey, userlimit.Download, n))
		}
	}
}

// IngestShare feeds a share update received from the host proxy's
// controller channel into the user-limit table.
func (f *Filter) IngestShare(timestamp time.Time, userKey string, direction userlimit.Direction, bytesPerSecond uint64) {
	f.Users.IngestShare(timestamp, userKey, direction, bytesPerSecond)
}
