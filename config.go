package fleetconn

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy configures the Retry Engine's backoff schedule.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
}

// TimeoutPolicy configures every timeout named in spec.md §5.
type TimeoutPolicy struct {
	Command     time.Duration `yaml:"command"`
	UnassignAck time.Duration `yaml:"unassign_ack"`
	Quit        time.Duration `yaml:"quit"`
	Terminate   time.Duration `yaml:"terminate"`
	Drain       time.Duration `yaml:"drain"`
}

// HeartbeatPolicy configures the Heartbeat Monitor's liveness thresholds.
type HeartbeatPolicy struct {
	ExpectedInterval   time.Duration `yaml:"expected_interval"`
	WarningThreshold   int           `yaml:"warning_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	CallbackTimeout    time.Duration `yaml:"callback_timeout"`
}

// Config holds every tunable policy for the coordinator and its
// subcomponents. It supports two-layer configuration priority: defaults
// (lowest), then a YAML file's overrides (highest) — simpler than the
// teacher's three-layer env-var/reflection scheme because this module has
// a small, flat configuration surface (see DESIGN.md).
type Config struct {
	Retry     RetryPolicy     `yaml:"retry"`
	Timeouts  TimeoutPolicy   `yaml:"timeouts"`
	Heartbeat HeartbeatPolicy `yaml:"heartbeat"`
}

// DefaultConfig returns the defaults named throughout spec.md §5: command
// timeout 5s, unassign-ACK 3s, quit 7s, terminate 2s, drain 1s, heartbeat
// interval 2s with an unhealthy threshold of 3 missed intervals.
func DefaultConfig() *Config {
	return &Config{
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Factor:      2.0,
			Jitter:      0.1,
		},
		Timeouts: TimeoutPolicy{
			Command:     5 * time.Second,
			UnassignAck: 3 * time.Second,
			Quit:        7 * time.Second,
			Terminate:   2 * time.Second,
			Drain:       1 * time.Second,
		},
		Heartbeat: HeartbeatPolicy{
			ExpectedInterval:   2 * time.Second,
			WarningThreshold:   2,
			UnhealthyThreshold: 3,
			CallbackTimeout:    2 * time.Second,
		},
	}
}

// LoadConfig reads a YAML policy file and overlays it on top of
// DefaultConfig. A missing path is not an error — it simply returns the
// defaults, mirroring the teacher's "defaults always available" posture.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("fleetconn: read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("fleetconn: parse config %s: %w", path, err)
	}
	return cfg, nil
}
