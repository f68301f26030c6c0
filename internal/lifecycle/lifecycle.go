// Package lifecycle provides deadline-bounded start and terminate
// operations over a driver.Driver, plus the local pre-flight checks that
// must pass before any billed resource is requested.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/suiterun/internal/driver"
	"github.com/terrpan/suiterun/internal/supervisor"
)

// MaxSpotBid is the sanity ceiling, in USD per hour, for spot bids.
const MaxSpotBid = 10.0

// State is the allocation state of a cluster handle.
type State int

const (
	StateUnallocated State = iota
	StateRunning
	StateTerminated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "UNALLOCATED"
	case StateRunning:
		return "RUNNING"
	case StateTerminated:
		return "TERMINATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Handle identifies the cluster allocated for one run.  It is owned by a
// single orchestrator run and is not safe for concurrent use.
type Handle struct {
	Tag   string
	ID    string
	State State
}

// Allocated reports whether the backend may hold resources for this handle.
func (h *Handle) Allocated() bool {
	return h != nil && h.State != StateUnallocated
}

// Manager wraps a driver with deadlines.
type Manager struct {
	driver driver.Driver
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Manager.
func New(d driver.Driver, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		driver: d,
		logger: logger,
		tracer: otel.Tracer("suiterun/lifecycle"),
	}
}

// Validate checks the spot bid against MaxSpotBid.  It is pure and never
// touches the driver.  With suppress set it always succeeds.
func Validate(bid *float64, suppress bool) error {
	if bid == nil || suppress {
		return nil
	}
	if *bid > MaxSpotBid {
		return fmt.Errorf("%w: max spot bid of $%.2f exceeds the $%.2f ceiling; "+
			"suppress the spot bid check if this is intended", ErrSpotBidTooHigh, *bid, MaxSpotBid)
	}
	return nil
}

// Validate is the method form of the package-level Validate.
func (m *Manager) Validate(bid *float64, suppress bool) error {
	return Validate(bid, suppress)
}

// Start allocates a cluster within timeout.
//
// On success the handle is RUNNING.  If the driver fails but reports a
// cluster id, a FAILED handle is returned alongside the error so the
// caller can tear the partial cluster down.  On timeout, or when ctx ends
// before the driver returns, no handle is returned: nothing is known about
// what the backend created.
func (m *Manager) Start(ctx context.Context, req driver.StartRequest, timeout time.Duration) (*Handle, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster.tag", req.Tag),
		attribute.String("cluster.template", req.Template),
		attribute.Float64("timeout.seconds", timeout.Seconds()),
	)

	m.logger.Info("starting cluster",
		slog.String("tag", req.Tag),
		slog.String("template", req.Template),
		slog.Duration("timeout", timeout),
	)

	out := supervisor.Run(ctx, timeout, func(ctx context.Context) (string, error) {
		return m.driver.Start(ctx, req)
	})

	switch {
	case out.TimedOut:
		span.AddEvent("setup deadline exceeded")
		m.logger.Error("cluster setup timed out",
			slog.String("tag", req.Tag),
			slog.Duration("timeout", timeout),
		)
		return nil, &PhaseError{Kind: KindSetupTimeout, Tag: req.Tag, Err: out.Err}

	case out.Cancelled:
		// Same as a timeout: the backend may still finish creating the
		// cluster and nobody is left to tear it down.
		span.AddEvent("setup abandoned on cancellation")
		m.logger.Error("cluster setup interrupted",
			slog.String("tag", req.Tag),
			slog.Duration("elapsed", out.Elapsed),
		)
		return nil, &PhaseError{Kind: KindSetupCancelled, Tag: req.Tag, Err: out.Err}

	case out.Err != nil && out.Value == "":
		m.logger.Error("cluster setup failed",
			slog.String("tag", req.Tag),
			slog.String("error", out.Err.Error()),
		)
		return nil, &PhaseError{Kind: KindSetupError, Tag: req.Tag, Err: out.Err}

	case out.Err != nil:
		m.logger.Error("cluster setup failed after allocation",
			slog.String("tag", req.Tag),
			slog.String("clusterID", out.Value),
			slog.String("error", out.Err.Error()),
		)
		h := &Handle{Tag: req.Tag, ID: out.Value, State: StateFailed}
		return h, &PhaseError{Kind: KindSetupError, Tag: req.Tag, Err: out.Err}
	}

	id := out.Value
	if id == "" {
		id = req.Tag
	}
	span.SetAttributes(attribute.String("cluster.id", id))
	m.logger.Info("cluster running",
		slog.String("tag", req.Tag),
		slog.String("clusterID", id),
		slog.Duration("elapsed", out.Elapsed),
	)
	return &Handle{Tag: req.Tag, ID: id, State: StateRunning}, nil
}

// Terminate destroys the cluster within timeout.  It is safe to call on a
// FAILED handle.  The handle's state is updated to TERMINATED on success
// and FAILED otherwise.
func (m *Manager) Terminate(ctx context.Context, h *Handle, timeout time.Duration) error {
	if !h.Allocated() {
		return ErrNotAllocated
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("cluster.tag", h.Tag),
		attribute.String("cluster.id", h.ID),
		attribute.String("cluster.state", h.State.String()),
	)

	m.logger.Info("terminating cluster",
		slog.String("tag", h.Tag),
		slog.String("clusterID", h.ID),
		slog.Duration("timeout", timeout),
	)

	out := supervisor.Do(ctx, timeout, func(ctx context.Context) error {
		return m.driver.Terminate(ctx, h.ID)
	})

	if out.TimedOut {
		h.State = StateFailed
		m.logger.Error("cluster teardown timed out",
			slog.String("tag", h.Tag),
			slog.Duration("timeout", timeout),
		)
		return &PhaseError{Kind: KindTeardownTimeout, Tag: h.Tag, Err: out.Err}
	}
	if out.Err != nil {
		h.State = StateFailed
		m.logger.Error("cluster teardown failed",
			slog.String("tag", h.Tag),
			slog.String("error", out.Err.Error()),
		)
		return &PhaseError{Kind: KindTeardownError, Tag: h.Tag, Err: out.Err}
	}

	h.State = StateTerminated
	m.logger.Info("cluster terminated",
		slog.String("tag", h.Tag),
		slog.Duration("elapsed", out.Elapsed),
	)
	return nil
}
