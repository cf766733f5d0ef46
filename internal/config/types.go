package config

import (
	"fmt"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"linetap/internal/bus"
)

// Config is the full daemon configuration. The CLI flags in cmd/linetap map
// onto the same fields; flags win over file values.
type Config struct {
	// Listen is the server address: "tcp://host:port" (or bare "host:port"),
	// "unix:///path", "unix://@name" for the abstract namespace, or
	// "systemd" to adopt a socket-activation listener.
	Listen string `json:"listen" yaml:"listen"`

	// Queue is the per-client delivery queue capacity (records).
	Queue int `json:"queue" yaml:"queue"`
	// Policy picks the overflow behavior: drop, backpressure or disconnect.
	Policy string `json:"policy" yaml:"policy"`
	// Announce injects synthetic records for overruns, backpressure and EOF.
	Announce bool `json:"announce" yaml:"announce"`

	Timestamps bool `json:"timestamps" yaml:"timestamps"`
	SeqNums    bool `json:"seqnums" yaml:"seqnums"`
	// ZeroSeparated switches the record separator from newline to NUL.
	ZeroSeparated bool `json:"zero_separated" yaml:"zero_separated"`
	// MaxLineSize force-splits unterminated input after this many bytes.
	MaxLineSize int `json:"max_line_size" yaml:"max_line_size"`
	// Tee duplicates raw input to stdout, best-effort.
	Tee bool `json:"tee" yaml:"tee"`

	// History is the number of records replayed to each new client. 0 = off.
	History int `json:"history" yaml:"history"`
	// Hello is sent once per connection, after history replay. Empty = off.
	Hello string `json:"hello" yaml:"hello"`
	// RequireObserver stops reading input while no client is connected.
	RequireObserver bool `json:"require_observer" yaml:"require_observer"`

	// DrainGrace bounds how long clients may keep draining after end-of-input.
	DrainGrace Duration `json:"drain_grace" yaml:"drain_grace"`
	// StatsInterval is a cron spec (e.g. "@every 30s") for periodic counter
	// logging. Empty disables the reporter.
	StatsInterval string `json:"stats_interval" yaml:"stats_interval"`

	Log LogConfig `json:"log" yaml:"log"`
}

type LogConfig struct {
	Level   string  `json:"level" yaml:"level"`
	Console bool    `json:"console" yaml:"console"`
	File    LogFile `json:"file" yaml:"file"`
}

type LogFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

func Default() Config {
	return Config{
		Listen:      "tcp://127.0.0.1:8686",
		Queue:       16,
		MaxLineSize: 65536,
		DrainGrace:  Duration(3 * time.Second),
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Separator is the record boundary byte implied by ZeroSeparated.
func (c *Config) Separator() byte {
	if c.ZeroSeparated {
		return 0
	}
	return '\n'
}

// Validate rejects invalid flag combinations before the bus is built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	policy, err := bus.ParsePolicy(c.Policy)
	if err != nil {
		return err
	}
	if c.MaxLineSize < 1 {
		return fmt.Errorf("max line size must be at least 1, got %d", c.MaxLineSize)
	}
	busCfg := bus.Config{
		QueueSize:       c.Queue,
		Policy:          policy,
		Announce:        c.Announce,
		History:         c.History,
		RequireObserver: c.RequireObserver,
	}
	if err := busCfg.Validate(); err != nil {
		return err
	}
	return nil
}

// Duration unmarshals from a Go duration string ("3s", "500ms") or a bare
// number of seconds, so both YAML and JSON configs stay readable.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.parse(strings.Trim(string(b), `"`))
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		if v < 0 {
			return fmt.Errorf("duration must be >= 0, got %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%f", &secs); err == nil && secs >= 0 {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", s)
}
