package node

import "errors"

var (
	ErrInvalidTick    = errors.New("tick period must be positive")
	ErrInvalidTimings = errors.New("liveness timings must be positive")
	ErrClockRequired  = errors.New("clock and id source are required")
	ErrInvalidInvite  = errors.New("invalid invite")
	ErrUnknownGroup   = errors.New("unknown group")
	ErrStopped        = errors.New("node is stopped")
)
