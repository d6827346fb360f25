// Package config loads the aggregator binary's configuration, following the
// teacher's convention of a struct with yaml tags populated first from a
// YAML file and then overridden by command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults mirror the aggregator's documented defaults.
const (
	DefaultMsgQueueSize              = 1024
	DefaultRedisQosTTLSec            = 2
	DefaultRedisQosConnTTLSec        = 60
	DefaultRedisCheckConnIntervalSec = 5
	DefaultMetricsBatchCount         = 250_000
	DefaultMetricsBatchPeriodMsec    = 31
)

// Config is the aggregator's runtime configuration.
type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	Port                      int    `yaml:"port"`
	NumOfSyslogServers        int    `yaml:"num_of_syslog_servers"`
	MsgQueueSize              int    `yaml:"msg_queue_size"`
	Endpoint                  string `yaml:"endpoint"`
	RedisServer               string `yaml:"redis_server"`
	RedisQosTTLSec            int    `yaml:"redis_qos_ttl"`
	RedisQosConnTTLSec        int    `yaml:"redis_qos_conn_ttl"`
	RedisCheckConnIntervalSec int    `yaml:"redis_check_conn_interval_sec"`
	MetricsBatchCount         int    `yaml:"metrics_batch_count"`
	MetricsBatchPeriodMsec    int    `yaml:"metrics_batch_period_msec"`
	LogFileName               string `yaml:"log_file_name"`
	AccessLogFileName         string `yaml:"access_log_file_name"`
	LogLevel                  string `yaml:"log_level"`
}

// NewConfig returns a Config with its flag set wired up and defaults
// applied; callers then call Parse or ParseArgs to load a config file and
// flag overrides.
func NewConfig() *Config {
	c := &Config{
		MsgQueueSize:              DefaultMsgQueueSize,
		RedisQosTTLSec:            DefaultRedisQosTTLSec,
		RedisQosConnTTLSec:        DefaultRedisQosConnTTLSec,
		RedisCheckConnIntervalSec: DefaultRedisCheckConnIntervalSec,
		MetricsBatchCount:         DefaultMetricsBatchCount,
		MetricsBatchPeriodMsec:    DefaultMetricsBatchPeriodMsec,
		LogLevel:                  "info",
	}

	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.StringVar(&c.ConfigFile, "config-file", "", "path to a YAML config file")
	flags.IntVar(&c.Port, "port", c.Port, "UDP port to receive enforcer events on")
	flags.IntVar(&c.NumOfSyslogServers, "num-of-syslog-servers", c.NumOfSyslogServers, "number of UDP receiver workers")
	flags.IntVar(&c.MsgQueueSize, "msg-queue-size", c.MsgQueueSize, "per-worker event queue capacity")
	flags.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "endpoint suffix used in store keys (required)")
	flags.StringVar(&c.RedisServer, "redis-server", c.RedisServer, "redis host:port (required)")
	flags.IntVar(&c.RedisQosTTLSec, "redis-qos-ttl", c.RedisQosTTLSec, "seconds a command_map bucket survives a disconnected store")
	flags.IntVar(&c.RedisQosConnTTLSec, "redis-qos-conn-ttl", c.RedisQosConnTTLSec, "seconds a connection gauge key survives in redis")
	flags.IntVar(&c.RedisCheckConnIntervalSec, "redis-check-conn-interval-sec", c.RedisCheckConnIntervalSec, "seconds between DNS reconnect checks")
	flags.IntVar(&c.MetricsBatchCount, "metrics-batch-count", c.MetricsBatchCount, "events accumulated before a forced flush")
	flags.IntVar(&c.MetricsBatchPeriodMsec, "metrics-batch-period-msec", c.MetricsBatchPeriodMsec, "milliseconds accumulated before a forced flush")
	flags.StringVar(&c.LogFileName, "log-file-name", c.LogFileName, "application log output path, empty for stderr")
	flags.StringVar(&c.AccessLogFileName, "access-log-file-name", c.AccessLogFileName, "access log output path, empty for stderr")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "application log level")
	c.Flags = flags

	return c
}

// Parse loads os.Args into c.
func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

// ParseArgs loads args into c: flags are parsed first so -config-file is
// known, the YAML file (if any) is unmarshalled over the defaults, and then
// flags are re-parsed so command-line overrides win over the file.
func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	if err := c.Flags.Parse(args); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		data, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("unmarshalling config file: %w", err)
		}
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.RedisServer == "" {
		return fmt.Errorf("redis_server is required")
	}
	if c.MsgQueueSize <= 0 {
		c.MsgQueueSize = DefaultMsgQueueSize
	}
	if c.RedisQosTTLSec <= 0 {
		c.RedisQosTTLSec = DefaultRedisQosTTLSec
	}
	if c.RedisQosConnTTLSec <= 0 {
		c.RedisQosConnTTLSec = DefaultRedisQosConnTTLSec
	}
	if c.RedisCheckConnIntervalSec <= 0 {
		c.RedisCheckConnIntervalSec = DefaultRedisCheckConnIntervalSec
	}
	if c.MetricsBatchCount <= 0 {
		c.MetricsBatchCount = DefaultMetricsBatchCount
	}
	if c.MetricsBatchPeriodMsec <= 0 {
		c.MetricsBatchPeriodMsec = DefaultMetricsBatchPeriodMsec
	}
	return nil
}

// RedisQosTTL returns the configured QoS TTL as a time.Duration.
func (c *Config) RedisQosTTL() time.Duration {
	return time.Duration(c.RedisQosTTLSec) * time.Second
}

// RedisQosConnTTL returns the configured connection-gauge TTL.
func (c *Config) RedisQosConnTTL() time.Duration {
	return time.Duration(c.RedisQosConnTTLSec) * time.Second
}

// RedisCheckConnInterval returns the configured reconnect-watcher interval.
func (c *Config) RedisCheckConnInterval() time.Duration {
	return time.Duration(c.RedisCheckConnIntervalSec) * time.Second
}

// MetricsBatchPeriod returns the configured flush period.
func (c *Config) MetricsBatchPeriod() time.Duration {
	return time.Duration(c.MetricsBatchPeriodMsec) * time.Millisecond
}
