// Package export implements the Export Planner: given a target backend and
// a set of canonical records, it produces the idempotent action list that
// converges that backend to canonical state (§4.4).
//
// Concurrency shape (bounded fan-out for the per-entity backend lookup,
// rate limiting, circuit breaking) follows the same library choices as the
// cartographus example repo's eventprocessor package, adapted from its
// hand-rolled CircuitBreakerConfig knobs to a fixed, per-backend breaker.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/mediasync/statesync/internal/backend"
	"github.com/mediasync/statesync/internal/config"
	"github.com/mediasync/statesync/internal/metrics"
	"github.com/mediasync/statesync/internal/queue"
	"github.com/mediasync/statesync/internal/watchstate"
)

// PlanOptions carries the per-run overrides recognized by the planner
// (§6: IGNORE_DATE, DRY_RUN).
type PlanOptions struct {
	After      *int64
	IgnoreDate bool
	DryRun     bool
}

// Summary tallies the outcome of one Plan call.
type Summary struct {
	Enqueued int
	Planned  int // dry-run actions that would have been enqueued
	Skipped  int
}

// Planner drives backend.Client lookups and queue.Queue enqueues for one
// or more configured backends.
type Planner struct {
	backends map[string]backend.Client
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[*backend.Item]

	queue   *queue.Queue
	metrics *metrics.Registry
	logger  *slog.Logger
	opts    config.ExportOptions
}

// New builds a Planner for the given configuration and backend clients.
// backends must be keyed by the same names as cfg.Backends.
func New(cfg *config.Config, backends map[string]backend.Client, q *queue.Queue, reg *metrics.Registry, logger *slog.Logger) *Planner {
	limiters := make(map[string]*rate.Limiter, len(cfg.Backends))
	breakers := make(map[string]*gobreaker.CircuitBreaker[*backend.Item], len(cfg.Backends))

	for _, bc := range cfg.Backends {
		rps := bc.RequestsPerSecond
		if rps <= 0 {
			rps = 5
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiters[bc.Name] = rate.NewLimiter(rate.Limit(rps), burst)

		settings := gobreaker.Settings{
			Name:        bc.Name,
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
		breakers[bc.Name] = gobreaker.NewCircuitBreaker[*backend.Item](settings)
	}

	return &Planner{
		backends: backends,
		limiters: limiters,
		breakers: breakers,
		queue:    q,
		metrics:  reg,
		logger:   logger,
		opts:     cfg.Export,
	}
}

func (p *Planner) limiterFor(name string) *rate.Limiter {
	if l, ok := p.limiters[name]; ok {
		return l
	}
	l := rate.NewLimiter(5, 5)
	p.limiters[name] = l
	return l
}

func (p *Planner) breakerFor(name string) *gobreaker.CircuitBreaker[*backend.Item] {
	if b, ok := p.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[*backend.Item](gobreaker.Settings{Name: name})
	p.breakers[name] = b
	return b
}

func (p *Planner) skip(backendName, reason string) {
	p.metrics.ExportSkipped.WithLabelValues(backendName, reason).Inc()
}

type candidate struct {
	entity *watchstate.State
	id     string
}

type fetchResult struct {
	candidate
	item *backend.Item
	err  error
}

// Plan runs the seven-step algorithm against entities for backendName,
// fetching current backend state concurrently (bounded by
// cfg.Export.ConcurrencyPerBackend) but applying the decision and
// enqueueing steps in entities' original order.
func (p *Planner) Plan(ctx context.Context, backendName string, entities []*watchstate.State, opts PlanOptions) (Summary, error) {
	client, ok := p.backends[backendName]
	if !ok {
		return Summary{}, fmt.Errorf("export: unknown backend %q", backendName)
	}

	var summary Summary
	candidates := make([]candidate, 0, len(entities))

	for _, entity := range entities {
		if opts.After != nil && !opts.IgnoreDate && *opts.After > entity.Updated {
			p.skip(backendName, "stale")
			summary.Skipped++
			continue
		}
		meta, ok := entity.Metadata[backendName]
		if !ok || meta.ID == "" {
			p.skip(backendName, "no_backend_id")
			summary.Skipped++
			continue
		}
		candidates = append(candidates, candidate{entity: entity, id: meta.ID})
	}

	results := p.fetchAll(ctx, client, backendName, candidates)

	for _, r := range results {
		outcome := p.decide(ctx, backendName, r, opts)
		switch outcome {
		case decisionSkip:
			summary.Skipped++
		case decisionPlanned:
			summary.Planned++
		case decisionEnqueued:
			summary.Enqueued++
		}
	}

	return summary, nil
}

// fetchAll dispatches GetItem lookups concurrently via a bounded
// sourcegraph/conc pool, rate limited and circuit broken per backend, then
// returns the results in the same order as candidates (§5's "HTTP fan-out
// concurrent, merge serialized" guarantee).
func (p *Planner) fetchAll(ctx context.Context, client backend.Client, backendName string, candidates []candidate) []fetchResult {
	results := make([]fetchResult, len(candidates))
	if len(candidates) == 0 {
		return results
	}

	limiter := p.limiterFor(backendName)
	breaker := p.breakerFor(backendName)

	concurrency := p.opts.ConcurrencyPerBackend
	if concurrency < 1 {
		concurrency = 1
	}

	wp := pool.New().WithMaxGoroutines(concurrency)
	for i, c := range candidates {
		i, c := i, c
		wp.Go(func() {
			if err := limiter.Wait(ctx); err != nil {
				results[i] = fetchResult{candidate: c, err: err}
				return
			}
			item, err := breaker.Execute(func() (*backend.Item, error) {
				return client.GetItem(ctx, c.id)
			})
			results[i] = fetchResult{candidate: c, item: item, err: err}
		})
	}
	wp.Wait()

	return results
}

type decision int

const (
	decisionSkip decision = iota
	decisionPlanned
	decisionEnqueued
)

// decide applies steps 3-8 of §4.4 to one fetch result and, for an
// enqueueable action, performs the enqueue (or dry-run log) itself.
func (p *Planner) decide(ctx context.Context, backendName string, r fetchResult, opts PlanOptions) decision {
	entity := r.entity

	if r.err != nil {
		var statusErr *backend.StatusError
		if errors.As(r.err, &statusErr) && statusErr.StatusCode == 404 {
			p.skip(backendName, "not_found")
		} else {
			p.logger.Debug("export: fetch failed", "backend", backendName, "entity_id", r.id, "error", r.err)
			p.skip(backendName, "fetch_error")
		}
		return decisionSkip
	}

	item := r.item
	if item.Watched == entity.Watched {
		p.skip(backendName, "identical")
		return decisionSkip
	}

	var backendDate int64
	switch {
	case item.Watched && item.PlayedAt != nil:
		backendDate = *item.PlayedAt
	case item.Watched:
		p.skip(backendName, "missing_date")
		return decisionSkip
	case item.DateCreated != 0:
		backendDate = item.DateCreated
	default:
		p.skip(backendName, "missing_date")
		return decisionSkip
	}

	allowedDiff := p.opts.AllowedTimeDiffSecs
	if allowedDiff == 0 {
		allowedDiff = 10
	}
	if backendDate >= entity.Updated+allowedDiff {
		p.skip(backendName, "backend_newer")
		return decisionSkip
	}

	actionLabel := "mark_played"
	if !entity.Watched {
		actionLabel = "mark_unplayed"
	}
	action := queue.ExportAction{
		Backend:  backendName,
		EntityID: r.id,
		Watched:  entity.Watched,
		Updated:  entity.Updated,
		UserData: fmt.Sprintf("entity updated=%d watched=%v", entity.Updated, entity.Watched),
	}

	if opts.DryRun {
		p.logger.Info("export: dry-run action", "backend", backendName, "entity_id", r.id, "action", actionLabel)
		p.metrics.ExportActions.WithLabelValues(backendName, actionLabel).Inc()
		return decisionPlanned
	}

	if err := p.queue.Enqueue(ctx, action); err != nil {
		p.logger.Error("export: enqueue failed", "backend", backendName, "entity_id", r.id, "error", err)
		p.skip(backendName, "enqueue_error")
		return decisionSkip
	}
	p.metrics.ExportActions.WithLabelValues(backendName, actionLabel).Inc()
	return decisionEnqueued
}
