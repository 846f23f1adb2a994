// Package portalloc finds free loopback TCP ports for the backend worker.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/deployshell/hostd/internal/logging"
)

const (
	// DefaultProbeTimeout bounds a single bind probe.
	DefaultProbeTimeout = 500 * time.Millisecond

	// maxPort is the highest TCP port number the search may reach.
	maxPort = 65535
)

// ErrPortSpaceExhausted is returned when the search runs past the top of
// the TCP port range without finding a bindable port. In practice this
// means systemic resource exhaustion; normal range exhaustion rolls over
// into the next range instead.
var ErrPortSpaceExhausted = errors.New("no free port below 65536")

// Allocator scans for a bindable loopback port.
//
// A port is only guaranteed free at check time; ownership transfers to
// whoever binds it next, so callers must start the worker promptly after
// allocation.
type Allocator struct {
	probeTimeout time.Duration
	logger       *logging.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbeTimeout overrides the per-port bind probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.probeTimeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		probeTimeout: DefaultProbeTimeout,
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate scans ports sequentially from start and returns the first one
// that accepts a loopback bind. Ports that fail the probe are marked
// failed for the remainder of this call and never retried. If the whole
// [start, end] range is exhausted, the search rolls over into the next
// equally sized range rather than failing.
//
// The only error conditions are context cancellation and running out of
// port space entirely.
func (a *Allocator) Allocate(ctx context.Context, start, end int) (int, error) {
	if start < 1 || end < start {
		return 0, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}

	rangeSize := end - start + 1
	failed := make(map[int]struct{})

	for start <= maxPort {
		if end > maxPort {
			end = maxPort
		}

		for port := start; port <= end; port++ {
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("port allocation canceled: %w", err)
			}
			if _, tried := failed[port]; tried {
				continue
			}

			if a.probe(ctx, port) {
				a.logger.Debug("allocated port", "port", port)
				return port, nil
			}

			failed[port] = struct{}{}
			a.logger.Debug("port unavailable", "port", port)
		}

		// Range exhausted: move to the next window of the same size.
		a.logger.Warn("port range exhausted, trying next range",
			"start", start, "end", end)
		start = end + 1
		end = start + rangeSize - 1
	}

	return 0, ErrPortSpaceExhausted
}

// probe attempts a transient bind on the loopback address. Binding on the
// wildcard address can report false availability under some network
// configurations, so the probe is loopback-only.
func (a *Allocator) probe(ctx context.Context, port int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	var lc net.ListenConfig
	ln, err := lc.Listen(probeCtx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
