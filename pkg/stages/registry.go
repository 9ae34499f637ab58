package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/debug"
)

// Prometheus metrics for stage proof production.
var (
	stageProduceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uiaa_stage_produce_total",
			Help: "Total stage proof productions",
		},
		[]string{"provider", "stage", "status"},
	)

	stageProduceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uiaa_stage_produce_duration_seconds",
			Help:    "Stage proof production duration, including time waiting for user input",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"provider", "stage"},
	)
)

func init() {
	prometheus.MustRegister(
		stageProduceTotal,
		stageProduceDuration,
	)
}

// Registry maps stage kinds to providers and implements Producer.
type Registry struct {
	mu sync.RWMutex

	// providers stores registered providers in insertion order.
	providers []Provider

	// kindToProvider maps a stage kind to the provider that owns it.
	kindToProvider map[api.StageKind]Provider
}

// Ensure Registry implements Producer at compile time.
var _ Producer = (*Registry)(nil)

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		kindToProvider: make(map[api.StageKind]Provider),
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds a provider. Stage kinds are resolved on a first-come,
// first-served basis: if two providers claim the same kind, the first
// registered provider wins and a warning is logged.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = append(r.providers, p)

	for _, kind := range p.Kinds() {
		if existing, ok := r.kindToProvider[kind]; ok {
			slog.Warn("stage kind conflict, keeping first provider",
				"stage", kind,
				"winner", existing.Name(),
				"loser", p.Name(),
			)
			continue
		}
		r.kindToProvider[kind] = p
	}

	debug.Log("stages", "registered stage provider",
		"provider", p.Name(),
		"kinds", p.Kinds(),
	)
}

// Supports returns true if any registered provider handles kind.
func (r *Registry) Supports(kind api.StageKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kindToProvider[kind]
	return ok
}

// Kinds returns every stage kind with a provider, in registration order.
func (r *Registry) Kinds() []api.StageKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []api.StageKind
	for _, p := range r.providers {
		for _, k := range p.Kinds() {
			if r.kindToProvider[k] == p {
				out = append(out, k)
			}
		}
	}
	return out
}

// Produce routes the request to the provider for req.Kind, records
// metrics, and recovers from panics. It returns ErrUnsupported when no
// provider handles the kind.
func (r *Registry) Produce(ctx context.Context, req *Request) (data *api.AuthData, err error) {
	r.mu.RLock()
	p, ok := r.kindToProvider[req.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Kind)
	}

	providerName := p.Name()
	stage := string(req.Kind)
	start := time.Now()

	// Recover from panics inside the provider.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("stage provider panicked",
				"provider", providerName,
				"stage", stage,
				"panic", rec,
			)
			data = nil
			err = fmt.Errorf("stage provider %q panicked: %v", providerName, rec)

			stageProduceTotal.WithLabelValues(providerName, stage, "panic").Inc()
			stageProduceDuration.WithLabelValues(providerName, stage).Observe(time.Since(start).Seconds())
		}
	}()

	data, err = p.Produce(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, ErrUnsupported):
		status = "unsupported"
	case err != nil:
		status = "error"
	case data == nil:
		status = "error"
		err = fmt.Errorf("stage provider %q returned no proof", providerName)
	}

	stageProduceTotal.WithLabelValues(providerName, stage, status).Inc()
	stageProduceDuration.WithLabelValues(providerName, stage).Observe(duration)

	if err != nil {
		return nil, err
	}

	if data.Type == "" {
		data.Type = req.Kind
	}
	return data, nil
}
