package target

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
)

// Instrumented logs and counts every lifecycle call of the target it wraps.
type Instrumented struct {
	next    Target
	kind    string
	metrics *observability.Metrics

	mu      sync.Mutex
	profile string
}

// Instrument wraps t. profile is the bound profile, if any.
func Instrument(t Target, kind, profile string, metrics *observability.Metrics) *Instrumented {
	return &Instrumented{next: t, kind: kind, metrics: metrics, profile: profile}
}

// Unwrap returns the wrapped target.
func (i *Instrumented) Unwrap() Target { return i.next }

func (i *Instrumented) currentProfile() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.profile
}

func (i *Instrumented) setProfile(p string) {
	i.mu.Lock()
	i.profile = p
	i.mu.Unlock()
}

func (i *Instrumented) begin(ctx context.Context, op string) (context.Context, *slog.Logger, time.Time) {
	ctx = trace.Ensure(ctx)
	logger := observability.WithTrace(ctx).With("op", op, "target", i.kind, "profile", i.currentProfile())
	logger.Debug("lifecycle call")
	return ctx, logger, time.Now()
}

func (i *Instrumented) finish(logger *slog.Logger, op string, started time.Time, result string, err error) {
	elapsed := time.Since(started)
	i.metrics.ObserveOperation(i.kind, op, result, elapsed)
	if err != nil {
		logger.Warn("lifecycle call failed", "duration", elapsed, "kind", result, "err", err)
		return
	}
	logger.Info("lifecycle call done", "duration", elapsed, "result", result)
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errs.Classify(err).Kind)
}

func (i *Instrumented) Install(ctx context.Context, opts InstallOptions) InstallResult {
	if i.currentProfile() == "" {
		i.setProfile(opts.Profile)
	}
	ctx, logger, started := i.begin(ctx, "install")
	res := i.next.Install(ctx, opts)
	if res.Success {
		i.finish(logger.With("instance_id", res.InstanceID), "install", started, "ok", nil)
		return res
	}
	kind := res.Kind
	if kind == "" {
		kind = errs.KindUnknown
	}
	logger.Warn("install failed", "kind", kind, "message", res.Message)
	i.metrics.ObserveOperation(i.kind, "install", string(kind), time.Since(started))
	return res
}

func (i *Instrumented) Configure(ctx context.Context, payload ConfigurePayload) ConfigureResult {
	ctx, logger, started := i.begin(ctx, "configure")
	res := i.next.Configure(ctx, payload)
	if res.Success {
		i.finish(logger.With("requires_restart", res.RequiresRestart), "configure", started, "ok", nil)
		return res
	}
	kind := res.Kind
	if kind == "" {
		kind = errs.KindUnknown
	}
	logger.Warn("configure failed", "kind", kind, "message", res.Message)
	i.metrics.ObserveOperation(i.kind, "configure", string(kind), time.Since(started))
	return res
}

func (i *Instrumented) Start(ctx context.Context) error {
	ctx, logger, started := i.begin(ctx, "start")
	err := i.next.Start(ctx)
	i.finish(logger, "start", started, resultOf(err), err)
	return err
}

func (i *Instrumented) Stop(ctx context.Context) error {
	ctx, logger, started := i.begin(ctx, "stop")
	err := i.next.Stop(ctx)
	i.finish(logger, "stop", started, resultOf(err), err)
	return err
}

func (i *Instrumented) Restart(ctx context.Context) error {
	ctx, logger, started := i.begin(ctx, "restart")
	err := i.next.Restart(ctx)
	i.finish(logger, "restart", started, resultOf(err), err)
	return err
}

func (i *Instrumented) Status(ctx context.Context) Status {
	ctx, logger, started := i.begin(ctx, "status")
	st := i.next.Status(ctx)
	i.metrics.ObserveOperation(i.kind, "status", "ok", time.Since(started))
	logger.Debug("status", "state", st.State, "detail", st.Detail)
	return st
}

func (i *Instrumented) Logs(ctx context.Context, opts LogOptions) []string {
	ctx, logger, started := i.begin(ctx, "logs")
	lines := i.next.Logs(ctx, opts)
	i.metrics.ObserveOperation(i.kind, "logs", "ok", time.Since(started))
	logger.Debug("logs", "lines", len(lines))
	return lines
}

func (i *Instrumented) Endpoint() Endpoint { return i.next.Endpoint() }

func (i *Instrumented) Destroy(ctx context.Context) {
	ctx, logger, started := i.begin(ctx, "destroy")
	i.next.Destroy(ctx)
	i.finish(logger, "destroy", started, "ok", nil)
	i.setProfile("")
}

func (i *Instrumented) Metadata() Metadata { return i.next.Metadata() }
