// Package admin implements the CLI-visible dump of the enforcer's in-memory
// user-limit table, grounded on flt_weir.c's cli_show_weir_limits applet
// loop: a header is written once, then rows are emitted in
// skip/continuation chunks so a caller with a bounded output buffer can
// resume where it left off.
package admin

import (
	"fmt"
	"io"

	"github.com/weir/weir/userlimit"
)

const header = "user_key,last_request_end_tick," +
	"up_limit_received,up_limit,up_limit_timestamp,up_active_requests," +
	"dwn_limit_received,dwn_limit,dwn_limit_timestamp,dwn_active_requests\n"

// MaxRowsPerCall bounds how many rows DumpCSV writes before returning,
// standing in for the applet's "output buffer full" signal from
// applet_putchk.
const MaxRowsPerCall = 4096

// DumpCSV writes up to MaxRowsPerCall rows of table's snapshot to w,
// starting at the skip'th row. It returns how many rows it wrote and
// whether the whole table has now been dumped; a caller drives repeated
// calls with an increasing skip (skip+wrote) until done is true, exactly as
// the source CLI applet is re-invoked by HAProxy until it returns 1.
func DumpCSV(table *userlimit.Table, skip int, w io.Writer) (wrote int, done bool, err error) {
	if skip == 0 {
		if _, err := io.WriteString(w, header); err != nil {
			return 0, false, err
		}
	}

	rows := table.Snapshot()
	if skip >= len(rows) {
		return 0, true, nil
	}

	end := skip + MaxRowsPerCall
	if end > len(rows) {
		end = len(rows)
	}

	for _, rec := range rows[skip:end] {
		if _, err := fmt.Fprintf(w, "%s,%d,%t,%d,%d,%d,%t,%d,%d,%d\n",
			rec.UserKey,
			rec.LastRequestEndTick(),
			rec.Upload.LimitReceived(), rec.Upload.BytesPerSecond(), rec.Upload.LimitTimestamp(), rec.Upload.ActiveRequests(),
			rec.Download.LimitReceived(), rec.Download.BytesPerSecond(), rec.Download.LimitTimestamp(), rec.Download.ActiveRequests(),
		); err != nil {
			return wrote, false, err
		}
		wrote++
	}

	return wrote, end == len(rows), nil
}
