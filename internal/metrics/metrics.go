// Package metrics exposes the per-decision and per-commit counters named
// in spec.md §7/§8 as Prometheus instrumentation, adopted from the
// cartographus example repo's metrics stack (the only pack repo
// instrumenting with prometheus/client_golang).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter the Reconciliation Engine and Export
// Planner emit, backed by its own prometheus.Registry so callers can mount
// it under /metrics without colliding with the default global registry.
type Registry struct {
	reg *prometheus.Registry

	MapperDecisions *prometheus.CounterVec
	MapperCommits   *prometheus.CounterVec
	ExportActions   *prometheus.CounterVec
	ExportSkipped   *prometheus.CounterVec
}

// New constructs and registers every counter.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		MapperDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_decisions_total",
			Help: "Count of Mapper.Add decisions by source backend, media type, and outcome.",
		}, []string{"via", "media_type", "outcome"}),
		MapperCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_commit_total",
			Help: "Count of rows committed by media type and action.",
		}, []string{"media_type", "action"}),
		ExportActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "export_actions_total",
			Help: "Count of export actions enqueued by backend and action.",
		}, []string{"backend", "action"}),
		ExportSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "export_skipped_total",
			Help: "Count of entities the Export Planner skipped, by backend and reason.",
		}, []string{"backend", "reason"}),
	}

	reg.MustRegister(r.MapperDecisions, r.MapperCommits, r.ExportActions, r.ExportSkipped)
	return r
}

// Registry returns the underlying prometheus.Registry for mounting a
// promhttp handler.
func (r *Registry) Registry() *prometheus.Registry { return r.reg }
