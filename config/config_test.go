package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgsAppliesDefaults(t *testing.T) {
	c := NewConfig()
	err := c.ParseArgs("weir-aggregatord", []string{"-endpoint=E", "-redis-server=localhost:6379"})
	require.NoError(t, err)

	require.Equal(t, DefaultMsgQueueSize, c.MsgQueueSize)
	require.Equal(t, DefaultRedisQosTTLSec, c.RedisQosTTLSec)
	require.Equal(t, DefaultMetricsBatchCount, c.MetricsBatchCount)
}

func TestParseArgsRequiresEndpointAndRedisServer(t *testing.T) {
	c := NewConfig()
	err := c.ParseArgs("weir-aggregatord", nil)
	require.Error(t, err)
}

func TestParseArgsFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: fromfile
redis_server: fromfile:6379
redis_qos_ttl: 9
`), 0o644))

	c := NewConfig()
	err := c.ParseArgs("weir-aggregatord", []string{
		"-config-file=" + path,
		"-redis-server=fromflag:6379",
	})
	require.NoError(t, err)

	require.Equal(t, "fromfile", c.Endpoint, "unset-by-flag fields come from the file")
	require.Equal(t, "fromflag:6379", c.RedisServer, "a flag present on the command line overrides the file")
	require.Equal(t, 9, c.RedisQosTTLSec)
}

func TestDurationAccessors(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.ParseArgs("weir-aggregatord", []string{"-endpoint=E", "-redis-server=localhost:6379"}))

	require.Equal(t, 2_000_000_000, int(c.RedisQosTTL()))
	require.Equal(t, 60_000_000_000, int(c.RedisQosConnTTL()))
	require.Equal(t, 31_000_000, int(c.MetricsBatchPeriod()))
}
