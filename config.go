package was

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the non-protocol knobs a demo worker process loads from
// YAML: log level/format, the default poll timeout, and whether metrics
// should also be mirrored into Prometheus. None of this is read by Session
// itself — descriptor numbers and timeouts stay constructor/call
// arguments per the protocol's own scope — but it's the shape
// cmd/wasworker's config file takes, kept here so both the binary and its
// tests can share one definition.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// PollTimeoutMS is a poll timeout in milliseconds; -1 waits
	// indefinitely, matching Session's own convention. cmd/wasworker loads
	// it but passes it to no call: its handler uses Read/Write/SpliceAll,
	// which always wait indefinitely.
	PollTimeoutMS int `yaml:"poll_timeout_ms"`

	// PrometheusMetrics turns on the /metrics mirror of every Metric()
	// call; it has no effect on the wire protocol itself.
	PrometheusMetrics bool `yaml:"prometheus_metrics"`

	// MetricsAddr is the listen address for the /metrics and /debug HTTP
	// endpoints when PrometheusMetrics is set.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns the configuration cmd/wasworker runs with absent an
// explicit --config file.
func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		LogFormat:     "text",
		PollTimeoutMS: -1,
		MetricsAddr:   ":9191",
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig,
// so a file that only overrides log_level still gets sane values for
// everything else.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, wrapf("was: reading config file %q", err, path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, wrapf("was: parsing config file %q", err, path)
	}
	return cfg, nil
}
