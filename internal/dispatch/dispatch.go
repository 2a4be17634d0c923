// Package dispatch drives a set of coordinators in lockstep.
//
// Tests call three operations and never need to know which execution
// contexts exist or how they are implemented:
//
//	RunCurrent       drain everything runnable now, across all coordinators
//	AdvanceTimeBy    move time forward, visiting every intermediate due time
//	AdvanceUntilIdle keep advancing until nothing is pending anywhere
//
// The deployment mode is chosen once at construction. In ModeVirtual the
// dispatchers own a shared VirtualClock and drain deferred coordinators
// explicitly. In ModeRealTime work runs by itself and the same three calls
// become bounded waits on the idle bridge.
package dispatch

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/settle/internal/clock"
	"github.com/roach88/settle/internal/coord"
	"github.com/roach88/settle/internal/idle"
)

const (
	// DefaultFlushTimeout bounds each single coordinator drain.
	DefaultFlushTimeout = 10 * time.Second

	// DefaultOperationTimeout bounds a whole RunCurrent, AdvanceTimeBy or
	// AdvanceUntilIdle call.
	DefaultOperationTimeout = 30 * time.Second
)

// Operation names used in errors and logs.
const (
	OpRunCurrent       = "run_current"
	OpAdvanceTimeBy    = "advance_time_by"
	OpAdvanceUntilIdle = "advance_until_idle"
)

// Dispatchers is the test-facing aggregate control surface.
//
// Calls must come from a single controlling goroutine; concurrent calls
// are not supported.
type Dispatchers interface {
	// RunCurrent drains every coordinator until none has completable work.
	RunCurrent() error

	// AdvanceTimeBy moves time forward by d, running every task due within
	// the window at its own due time. A zero d does nothing.
	AdvanceTimeBy(d time.Duration) error

	// AdvanceUntilIdle runs current work and then jumps to each next due
	// time until no coordinator has pending work.
	AdvanceUntilIdle() error
}

// Mode selects the deployment.
type Mode int

const (
	// ModeVirtual drives deferred coordinators on a shared VirtualClock.
	ModeVirtual Mode = iota
	// ModeRealTime waits on immediate coordinators via the idle bridge.
	ModeRealTime
)

// String returns the mode name as used in scenario files.
func (m Mode) String() string {
	switch m {
	case ModeVirtual:
		return "virtual"
	case ModeRealTime:
		return "realtime"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "virtual" or "realtime". An empty string means virtual.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "virtual":
		return ModeVirtual, nil
	case "realtime", "real_time", "real-time":
		return ModeRealTime, nil
	default:
		return 0, coord.NewInvalidArgument("parse_mode", "unknown mode %q", s)
	}
}

// Option configures Dispatchers.
type Option func(*config)

type config struct {
	flushTimeout     time.Duration
	operationTimeout time.Duration
	logger           *slog.Logger
	bridgeName       string
}

// WithFlushTimeout bounds each coordinator drain (virtual mode).
func WithFlushTimeout(d time.Duration) Option {
	return func(c *config) {
		c.flushTimeout = d
	}
}

// WithOperationTimeout bounds each whole operation in wall time.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *config) {
		c.operationTimeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBridgeName names the idle bridge created in real-time mode.
func WithBridgeName(name string) Option {
	return func(c *config) {
		c.bridgeName = name
	}
}

// New builds Dispatchers for mode over coords. clk is required in
// ModeVirtual and ignored in ModeRealTime. ModeVirtual only accepts
// coordinators whose task times are on the virtual clock (see
// coord.TimeBase); a wall-time coordinator would drag the shared clock to
// wall-epoch times.
func New(mode Mode, clk *clock.VirtualClock, coords []coord.Coordinator, opts ...Option) (Dispatchers, error) {
	cfg := config{
		flushTimeout:     DefaultFlushTimeout,
		operationTimeout: DefaultOperationTimeout,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		bridgeName:       "settle",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.flushTimeout <= 0 {
		return nil, coord.NewInvalidArgument("new_dispatchers", "flush timeout must be positive, got %s", cfg.flushTimeout)
	}
	if cfg.operationTimeout <= 0 {
		return nil, coord.NewInvalidArgument("new_dispatchers", "operation timeout must be positive, got %s", cfg.operationTimeout)
	}

	for i, c := range coords {
		if c == nil {
			return nil, coord.NewInvalidArgument("new_dispatchers", "coordinator %d is nil", i)
		}
	}

	logger := cfg.logger.With("mode", mode.String())
	switch mode {
	case ModeVirtual:
		if clk == nil {
			return nil, coord.NewInvalidArgument("new_dispatchers", "virtual mode requires a clock")
		}
		for i, c := range coords {
			if !coord.RunsOnVirtualTime(c) {
				return nil, coord.NewInvalidArgument("new_dispatchers",
					"coordinator %d runs on wall time; use realtime mode", i)
			}
		}
		return &Virtual{
			clk:          clk,
			coords:       coords,
			flushTimeout: cfg.flushTimeout,
			opTimeout:    cfg.operationTimeout,
			logger:       logger,
		}, nil
	case ModeRealTime:
		return &RealTime{
			bridge:    idle.NewBridge(cfg.bridgeName, coords),
			coords:    coords,
			opTimeout: cfg.operationTimeout,
			logger:    logger,
		}, nil
	default:
		return nil, coord.NewInvalidArgument("new_dispatchers", "unknown mode %d", int(mode))
	}
}
