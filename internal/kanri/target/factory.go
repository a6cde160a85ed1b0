package target

import (
	"context"
	"sort"
	"sync"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
)

// Builder constructs a target for a validated manifest. b is the binding of
// a previous install, or the zero value.
type Builder func(ctx context.Context, m manifest.Manifest, b Binding) (Target, error)

// Factory selects the implementation for a manifest's target type. Each
// target package contributes its Builder; the CLI wires them together.
type Factory struct {
	mu       sync.RWMutex
	builders map[manifest.TargetType]Builder
	metrics  *observability.Metrics
}

// NewFactory returns an empty factory. metrics may be nil.
func NewFactory(metrics *observability.Metrics) *Factory {
	return &Factory{builders: make(map[manifest.TargetType]Builder), metrics: metrics}
}

// Register binds t to b, replacing any previous builder.
func (f *Factory) Register(t manifest.TargetType, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[t] = b
}

// Types lists the registered target types, sorted.
func (f *Factory) Types() []manifest.TargetType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]manifest.TargetType, 0, len(f.builders))
	for t := range f.builders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New builds the target m declares, wrapped with logging and metrics.
func (f *Factory) New(ctx context.Context, m manifest.Manifest, b Binding) (Target, error) {
	f.mu.RLock()
	build, ok := f.builders[m.Target.Type]
	f.mu.RUnlock()
	if !ok {
		return nil, errs.Validation("target.new", m.Metadata.Name, "unsupported target type %q", m.Target.Type)
	}
	t, err := build(ctx, m, b)
	if err != nil {
		return nil, errs.Wrap("target.new", m.Metadata.Name, err)
	}
	return Instrument(t, string(m.Target.Type), b.Profile, f.metrics), nil
}
