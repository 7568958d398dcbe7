package mapper

import (
	"context"
	"fmt"

	"github.com/mediasync/statesync/internal/storage"
	"github.com/mediasync/statesync/internal/watchstate"
)

// Remove drops entity from the working set and pointer index, and deletes
// it from durable storage immediately if it was already persisted. Unlike
// Add's changes, Remove is not batched behind Commit (§4.3).
func (m *Mapper) Remove(ctx context.Context, entity *watchstate.State) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ptr, found, err := m.index.GetPointer(ctx, entity)
	if err != nil {
		return "", fmt.Errorf("mapper: resolving pointer for remove: %w", err)
	}
	if !found {
		return OutcomeIgnoredNoChange, nil
	}

	cur := m.objects[ptr]
	delete(m.objects, ptr)
	delete(m.changed, ptr)
	m.index.RemovePointers(cur)

	if cur.ID != nil && !m.options.DryRun {
		if err := m.store.Remove(ctx, cur); err != nil {
			return "", fmt.Errorf("mapper: removing state: %w", err)
		}
	}

	m.countDecision(cur.Via, cur.Type, OutcomeRemoved)
	return OutcomeRemoved, nil
}

// Commit persists every entity in the changed set inside one transaction
// and resets the working set on success. Under DRY_RUN no write occurs but
// the same counters increment and the working set is still reset, so a
// dry-run behaves identically from the caller's point of view except for
// the absence of durable writes (§4.3, §7).
func (m *Mapper) Commit(ctx context.Context) (storage.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(ctx)
}

func (m *Mapper) commitLocked(ctx context.Context) (storage.CommitResult, error) {
	if len(m.changed) == 0 {
		return nil, nil
	}

	entities := make([]*watchstate.State, 0, len(m.changed))
	for key := range m.changed {
		entities = append(entities, m.objects[key])
	}

	var result storage.CommitResult
	if m.options.DryRun {
		result = dryRunCounts(entities)
	} else {
		var err error
		result, err = m.store.Commit(ctx, entities)
		if err != nil {
			return result, fmt.Errorf("mapper: committing: %w", err)
		}
	}

	m.countCommit(result)
	m.resetLocked()
	return result, nil
}

func dryRunCounts(entities []*watchstate.State) storage.CommitResult {
	result := storage.CommitResult{
		watchstate.MediaTypeMovie:   &storage.ActionCounts{},
		watchstate.MediaTypeEpisode: &storage.ActionCounts{},
	}
	for _, e := range entities {
		counts := result[e.Type]
		if counts == nil {
			counts = &storage.ActionCounts{}
			result[e.Type] = counts
		}
		if e.ID == nil {
			counts.Added++
		} else {
			counts.Updated++
		}
	}
	return result
}

func (m *Mapper) countCommit(result storage.CommitResult) {
	if m.metrics == nil {
		return
	}
	for typ, counts := range result {
		if counts.Added > 0 {
			m.metrics.MapperCommits.WithLabelValues(string(typ), "added").Add(float64(counts.Added))
		}
		if counts.Updated > 0 {
			m.metrics.MapperCommits.WithLabelValues(string(typ), "updated").Add(float64(counts.Updated))
		}
		if counts.Failed > 0 {
			m.metrics.MapperCommits.WithLabelValues(string(typ), "failed").Add(float64(counts.Failed))
		}
	}
}

// Close implements the teardown-time autocommit behavior of §9: unless
// MAPPER_DISABLE_AUTOCOMMIT is set, any pending changes are committed
// before the Mapper is discarded. Callers that want explicit control over
// commit timing should call Commit directly and needn't call Close at all.
func (m *Mapper) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.options.DisableAutocommit {
		return nil
	}
	_, err := m.commitLocked(ctx)
	return err
}
