package node

import (
	"time"

	"github.com/google/uuid"

	"github.com/kacper-marzecki/tibidi/fabric"
	"github.com/kacper-marzecki/tibidi/group"
)

// Default configuration constants
const (
	DefaultDBPath     = "tibidi.db"
	DefaultTick       = 5 * time.Second
	DefaultLeaveGrace = 500 * time.Millisecond
)

// Config holds the configuration for a node.
type Config struct {
	// Tick is the supervisor period: a single timer per node that ages
	// sessions, retries dials and revives endpoints.
	Tick time.Duration

	// Timings are the per-session liveness parameters checked on each tick.
	Timings group.Timings

	// LeaveGrace is how long a leaving node keeps its endpoint alive so the
	// best-effort MEMBER_LEFT broadcast can flush.
	LeaveGrace time.Duration

	// Fabric is passed through to every endpoint the node creates.
	Fabric fabric.Config

	// Now returns milliseconds since epoch. Overridden in tests.
	Now func() int64

	// NewID returns a collision-free id. Overridden in tests.
	NewID func() string
}

// DefaultConfig returns a config with production defaults: time-ordered
// UUIDs for ids and the wall clock in milliseconds.
func DefaultConfig() *Config {
	return &Config{
		Tick:       DefaultTick,
		Timings:    group.DefaultTimings(),
		LeaveGrace: DefaultLeaveGrace,
		Now:        func() int64 { return time.Now().UnixMilli() },
		NewID: func() string {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.NewString()
			}
			return id.String()
		},
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Tick <= 0 {
		return ErrInvalidTick
	}
	if c.Timings.PingAfter <= 0 || c.Timings.DeadAfter <= 0 || c.Timings.DialTimeout <= 0 {
		return ErrInvalidTimings
	}
	if c.Now == nil || c.NewID == nil {
		return ErrClockRequired
	}
	return nil
}
