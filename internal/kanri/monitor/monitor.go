// Package monitor polls the status of every recorded deployment, stores the
// observed state and exports it as metrics.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// Deployments is the part of the store the monitor reads and writes.
type Deployments interface {
	ListDeployments(ctx context.Context) ([]*store.Deployment, error)
	RecordStatus(ctx context.Context, profile string, st target.Status, at time.Time) error
}

// Resolver builds the target for one recorded deployment.
type Resolver func(ctx context.Context, d *store.Deployment) (target.Target, error)

// Config configures the polling loop.
type Config struct {
	// Interval between passes. Defaults to 30s.
	Interval time.Duration
	// Concurrency bounds parallel status queries. Defaults to 4.
	Concurrency int
	// Timeout bounds a single status query. Defaults to 20s.
	Timeout time.Duration
	// AlertFunc is called on unexpected transitions. If nil, they are only
	// logged.
	AlertFunc func(profile, message string)
	Now       func() time.Time
}

// Change is one observed state transition.
type Change struct {
	Profile string
	Target  string
	From    target.State
	To      target.State
}

// Monitor periodically derives the status of every deployment.
type Monitor struct {
	deployments Deployments
	resolve     Resolver
	metrics     *observability.Metrics
	cfg         Config
}

// New creates a Monitor. metrics may be nil.
func New(d Deployments, resolve Resolver, metrics *observability.Metrics, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{deployments: d, resolve: resolve, metrics: metrics, cfg: cfg}
}

// Run polls until ctx is cancelled. The first pass runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("monitor starting", "interval", m.cfg.Interval, "concurrency", m.cfg.Concurrency)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx); err != nil {
			slog.Error("monitor pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("monitor stopping")
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one pass over every deployment and returns the transitions it
// observed. A failure on one deployment never aborts the pass.
func (m *Monitor) Poll(ctx context.Context) ([]Change, error) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	deployments, err := m.deployments.ListDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}

	changes := make([]*Change, len(deployments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, d := range deployments {
		g.Go(func() error {
			changes[i] = m.check(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	var out []Change
	for _, c := range changes {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *Monitor) check(ctx context.Context, d *store.Deployment) *Change {
	kind := string(d.TargetType)
	logger := observability.WithTrace(ctx).With("profile", d.Profile, "target", kind)

	tg, err := m.resolve(ctx, d)
	if err != nil {
		logger.Warn("resolve target failed", "err", err)
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	st := tg.Status(qctx)
	cancel()

	if err := m.deployments.RecordStatus(ctx, d.Profile, st, m.cfg.Now()); err != nil {
		logger.Warn("record status failed", "err", err)
	}
	m.metrics.SetInstanceState(d.Profile, kind, string(st.State))

	changed := st.State != d.LastState
	m.metrics.ObservePoll(kind, changed)
	if !changed {
		return nil
	}
	logger.Info("status changed", "from", d.LastState, "to", st.State, "detail", st.Detail)
	if unexpected(d.LastState, st.State) {
		m.alert(d.Profile, fmt.Sprintf("unexpected status change: %s -> %s (%s)", d.LastState, st.State, st.Detail))
	}
	return &Change{Profile: d.Profile, Target: kind, From: d.LastState, To: st.State}
}

// unexpected reports transitions nobody asked for: anything into error, and
// a running instance that stopped or vanished.
func unexpected(from, to target.State) bool {
	return to == target.StateError || (from == target.StateRunning && to != target.StateRunning)
}

func (m *Monitor) alert(profile, message string) {
	if m.cfg.AlertFunc != nil {
		m.cfg.AlertFunc(profile, message)
		return
	}
	slog.Warn("monitor alert", "profile", profile, "message", message)
}
