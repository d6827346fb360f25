package weir

import (
	"strconv"
	"strings"

	"github.com/weir/weir/userlimit"
)

// eventDelimiter is the field separator used by every event line, matching
// LOG_DELIMITER in rate_limit.c/flt_weir.c.
const eventDelimiter = "~|~"

// EventSink receives formatted event lines for delivery to the aggregator.
// It is the seam between the enforcer's accounting and the transport that
// actually ships bytes over UDP, which spec.md places with the host proxy.
type EventSink interface {
	Emit(line string)
}

// Verb is an HTTP method normalized to the fixed vocabulary event lines
// carry.
type Verb string

const (
	VerbGET     Verb = "GET"
	VerbPUT     Verb = "PUT"
	VerbPOST    Verb = "POST"
	VerbDELETE  Verb = "DELETE"
	VerbHEAD    Verb = "HEAD"
	VerbOPTIONS Verb = "OPTIONS"
	VerbTRACE   Verb = "TRACE"
	VerbCONNECT Verb = "CONNECT"
	VerbOTHER   Verb = "OTHER"
)

// NormalizeVerb maps an arbitrary method string onto the fixed vocabulary,
// case-insensitively, falling back to OTHER.
func NormalizeVerb(method string) Verb {
	switch strings.ToUpper(method) {
	case "GET":
		return VerbGET
	case "PUT":
		return VerbPUT
	case "POST":
		return VerbPOST
	case "DELETE":
		return VerbDELETE
	case "HEAD":
		return VerbHEAD
	case "OPTIONS":
		return VerbOPTIONS
	case "TRACE":
		return VerbTRACE
	case "CONNECT":
		return VerbCONNECT
	default:
		return VerbOTHER
	}
}

// VerbDirection is verb_direction: PUT/POST count against the upload share,
// everything else against download.
func VerbDirection(v Verb) userlimit.Direction {
	if v == VerbPUT || v == VerbPOST {
		return userlimit.Upload
	}
	return userlimit.Download
}

func formatReq(ipPort, userKey string, verb Verb, direction userlimit.Direction, instance string, active int32, requestClass string) string {
	var b strings.Builder
	b.WriteString("req")
	writeField(&b, ipPort)
	writeField(&b, userKey)
	writeField(&b, string(verb))
	writeField(&b, direction.String())
	writeField(&b, instance)
	writeField(&b, strconv.FormatInt(int64(active), 10))
	writeField(&b, requestClass)
	return b.String()
}

func formatReqEnd(ipPort, userKey string, verb Verb, direction userlimit.Direction, instance string, active int32) string {
	var b strings.Builder
	b.WriteString("req_end")
	writeField(&b, ipPort)
	writeField(&b, userKey)
	writeField(&b, string(verb))
	writeField(&b, direction.String())
	writeField(&b, instance)
	writeField(&b, strconv.FormatInt(int64(active), 10))
	return b.String()
}

func formatDataXfer(ipPort, userKey string, direction userlimit.Direction, bytes uint32) string {
	var b strings.Builder
	b.WriteString("data_xfer")
	writeField(&b, ipPort)
	writeField(&b, userKey)
	writeField(&b, direction.String())
	writeField(&b, strconv.FormatUint(uint64(bytes), 10))
	return b.String()
}

func formatActiveReqs(instance, userKey string, direction userlimit.Direction, count int32) string {
	var b strings.Builder
	b.WriteString("active_reqs")
	writeField(&b, instance)
	writeField(&b, userKey)
	writeField(&b, direction.String())
	writeField(&b, strconv.FormatInt(int64(count), 10))
	return b.String()
}

func formatWeirThrottle(tsUsec int64, userKey string, direction userlimit.Direction) string {
	var b strings.Builder
	b.WriteString("weir-throttle")
	writeField(&b, strconv.FormatInt(tsUsec, 10))
	writeField(&b, "user_bnd_"+direction.String())
	writeField(&b, userKey)
	return b.String()
}

func writeField(b *strings.Builder, field string) {
	b.WriteString(eventDelimiter)
	b.WriteString(field)
}
