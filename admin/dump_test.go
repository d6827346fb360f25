package admin

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weir/weir/userlimit"
)

func TestDumpCSVWritesHeaderOnceAndSortsByUserKey(t *testing.T) {
	table := userlimit.New(nil)
	table.IngestShare(time.Unix(100, 0), "bob", userlimit.Upload, 2048)
	table.IngestShare(time.Unix(100, 0), "alice", userlimit.Download, 4096)

	var buf strings.Builder
	wrote, done, err := DumpCSV(table, 0, &buf)

	require.NoError(t, err)
	require.True(t, done)
	require.EqualValues(t, 2, wrote)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, header, lines[0]+"\n")
	require.True(t, strings.HasPrefix(lines[1], "alice,"), "rows must be sorted by user key")
	require.True(t, strings.HasPrefix(lines[2], "bob,"))
}

func TestDumpCSVResumesFromSkip(t *testing.T) {
	table := userlimit.New(nil)
	table.IngestShare(time.Unix(100, 0), "alice", userlimit.Upload, 1024)
	table.IngestShare(time.Unix(100, 0), "bob", userlimit.Upload, 1024)

	var buf strings.Builder
	_, done, err := DumpCSV(table, 1, &buf)

	require.NoError(t, err)
	require.True(t, done)
	require.NotContains(t, buf.String(), header, "a nonzero skip must not re-emit the header")
	require.Contains(t, buf.String(), "bob,")
	require.NotContains(t, buf.String(), "alice,")
}

func TestDumpCSVPastEndIsDoneWithNoRows(t *testing.T) {
	table := userlimit.New(nil)
	table.IngestShare(time.Unix(100, 0), "alice", userlimit.Upload, 1024)

	var buf strings.Builder
	wrote, done, err := DumpCSV(table, 5, &buf)

	require.NoError(t, err)
	require.True(t, done)
	require.Zero(t, wrote)
}
