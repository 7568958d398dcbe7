// Package mapper implements the Reconciliation Engine: the `add` decision
// procedure, the in-memory working set it maintains between Commit calls,
// and the transactional Commit/autocommit lifecycle of §4.3.
package mapper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mediasync/statesync/internal/metrics"
	"github.com/mediasync/statesync/internal/pointerindex"
	"github.com/mediasync/statesync/internal/storage"
	"github.com/mediasync/statesync/internal/watchstate"
)

// Outcome names the terminal branch Add took, used both for the return
// value and as the "outcome" label on mapper_decisions_total (§7, §8).
type Outcome string

const (
	OutcomeFailedNoGUID       Outcome = "failed_no_guid"
	OutcomeFailedNotFound     Outcome = "failed_metadata_only_not_found"
	OutcomeAdded              Outcome = "added"
	OutcomeUpdated            Outcome = "updated"
	OutcomeMetadataOnly       Outcome = "metadata_only"
	OutcomeIgnoredNotPlayed   Outcome = "ignored_not_played_since_last_sync"
	OutcomeIgnoredNoChange    Outcome = "ignored_no_change"
	OutcomeMarkedUnplayed     Outcome = "marked_unplayed"
	OutcomeTainted            Outcome = "tainted"
	OutcomeRemoved            Outcome = "removed"
)

// Mapper is the Reconciliation Engine. Every exported method takes the
// mutex for its whole duration, so concurrent calls from multiple
// goroutines are serialized and act on the working set one at a time.
type Mapper struct {
	mu sync.Mutex

	store   *storage.Storage
	index   *pointerindex.Index
	metrics *metrics.Registry
	logger  *slog.Logger

	options       Options
	knownBackends map[string]bool

	objects     map[pointerindex.Key]*watchstate.State
	changed     map[pointerindex.Key]bool
	fullyLoaded bool
	nextKey     int64
}

// New constructs a Mapper backed by store, scoped to the given set of
// recognized backend names (used by watchstate.Validate and metadata-key
// checks).
func New(store *storage.Storage, reg *metrics.Registry, logger *slog.Logger, knownBackends map[string]bool, opts Options) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mapper{
		store:         store,
		metrics:       reg,
		logger:        logger,
		options:       opts,
		knownBackends: knownBackends,
		objects:       make(map[pointerindex.Key]*watchstate.State),
		changed:       make(map[pointerindex.Key]bool),
	}
	m.index = pointerindex.New(store, m.register)
	return m
}

// register is the pointerindex.RegisterFunc: it adopts a lazily-loaded
// State into the working set under a stable, id-derived key so repeated
// loads of the same row always land on the same working-set entry.
func (m *Mapper) register(found *watchstate.State) pointerindex.Key {
	key := m.keyFor(found)
	m.objects[key] = found
	return key
}

func (m *Mapper) keyFor(st *watchstate.State) pointerindex.Key {
	if st.ID != nil {
		return pointerindex.Key(fmt.Sprintf("id:%d", *st.ID))
	}
	m.nextKey++
	return pointerindex.Key(fmt.Sprintf("new:%d", m.nextKey))
}

// LoadData preloads every record (or every record updated after since) into
// the working set. Only a load without since marks the index fully loaded,
// so subsequent GetPointer calls never fall back to Storage; after a
// partial load they still do (§4.3's LoadData operation).
func (m *Mapper) LoadData(ctx context.Context, since *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	states, err := m.store.GetAll(ctx, since)
	if err != nil {
		return fmt.Errorf("mapper: loading data: %w", err)
	}

	seen := make(map[pointerindex.Key]bool, len(states))
	for _, st := range states {
		key := m.keyFor(st)
		if seen[key] {
			// Duplicate id in the result set: first one loaded wins (§4.3
			// LoadData).
			continue
		}
		seen[key] = true
		m.objects[key] = st
		m.index.AddPointers(st, key)
	}

	m.fullyLoaded = since == nil
	m.index.SetFullyLoaded(m.fullyLoaded)
	return nil
}

// Reset discards the entire working set: objects, the changed set, and the
// pointer index, returning the Mapper to its zero state (§4.3).
func (m *Mapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Mapper) resetLocked() {
	m.objects = make(map[pointerindex.Key]*watchstate.State)
	m.changed = make(map[pointerindex.Key]bool)
	m.fullyLoaded = false
	m.index.Reset()
}

func (m *Mapper) countDecision(via string, typ watchstate.MediaType, outcome Outcome) {
	if m.metrics == nil {
		return
	}
	m.metrics.MapperDecisions.WithLabelValues(via, string(typ), string(outcome)).Inc()
}

func (m *Mapper) logDecision(entity *watchstate.State, outcome Outcome, ptr pointerindex.Key) {
	if !m.options.DebugTrace {
		return
	}
	m.logger.Debug("mapper decision",
		"via", entity.Via, "type", entity.Type, "outcome", outcome, "pointer", string(ptr))
}
