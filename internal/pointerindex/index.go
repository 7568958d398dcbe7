// Package pointerindex maintains the in-memory inverted index from
// identity keys (pointers and relative pointers) to working-set keys,
// giving the Reconciliation Engine O(1) identity resolution across many
// heterogeneous GUID namespaces (§4.2).
//
// The single-writer, bulk add/remove-under-one-lock shape here follows the
// example codebase's in-memory DeferredQueue (internal/jellyfin's
// path-keyed op map): one sync.RWMutex, only Key values handed back to
// callers, the maps never exposed for concurrent external mutation.
package pointerindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/mediasync/statesync/internal/watchstate"
)

// Key identifies a record in the caller's working set (the Mapper's
// objects map). Opaque to the index.
type Key string

// Loader resolves a State from durable storage when the index has not been
// fully preloaded, satisfying the "lazy load" step of getPointer (§4.2).
type Loader interface {
	Get(ctx context.Context, entity *watchstate.State) (*watchstate.State, error)
}

// RegisterFunc is called by the index after a successful lazy load so the
// caller's working set picks up the newly-discovered record.
type RegisterFunc func(found *watchstate.State) Key

// Index is the Pointer Index: two maps (ptr, rptr) plus the reserved
// local_db://{id} direct form, all guarded by one mutex. There is exactly
// one writer: the Mapper.
type Index struct {
	mu   sync.RWMutex
	ptr  map[string]Key
	rptr map[string]Key

	loader     Loader
	register   RegisterFunc
	fullyLoaded bool
}

// New creates an empty Index. loader/register back the lazy-load path of
// GetPointer and may be nil if the caller preloads everything upfront.
func New(loader Loader, register RegisterFunc) *Index {
	return &Index{
		ptr:      make(map[string]Key),
		rptr:     make(map[string]Key),
		loader:   loader,
		register: register,
	}
}

// SetFullyLoaded marks whether the working set contains every persisted
// record, gating whether GetPointer falls back to a lazy Storage.Get.
func (idx *Index) SetFullyLoaded(v bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.fullyLoaded = v
}

func localDBPointer(id int64) string {
	return fmt.Sprintf("local_db://%d", id)
}

// AddPointers registers every current pointer and relative pointer of
// state under key. Also registers the reserved local_db://{id} form when
// state.ID is set.
func (idx *Index) AddPointers(state *watchstate.State, key Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.addPointersLocked(state, key)
}

func (idx *Index) addPointersLocked(state *watchstate.State, key Key) {
	if state.ID != nil {
		idx.ptr[localDBPointer(*state.ID)] = key
	}
	for _, p := range state.Pointers() {
		idx.ptr[p] = key
	}
	for _, p := range state.RelativePointers() {
		idx.rptr[p] = key
	}
}

// RemovePointers removes every pointer and relative pointer state
// currently occupies. Must be called before any mutation that changes a
// state's identity-bearing fields (§4.2 invariant).
func (idx *Index) RemovePointers(state *watchstate.State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removePointersLocked(state)
}

func (idx *Index) removePointersLocked(state *watchstate.State) {
	if state.ID != nil {
		delete(idx.ptr, localDBPointer(*state.ID))
	}
	for _, p := range state.Pointers() {
		delete(idx.ptr, p)
	}
	for _, p := range state.RelativePointers() {
		delete(idx.rptr, p)
	}
}

// Refresh removes old's pointers and re-adds current's pointers under key,
// in that order, so no intermediate lookup can observe a stale pointer for
// a now-different identity (§5 ordering guarantee).
func (idx *Index) Refresh(old, current *watchstate.State, key Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removePointersLocked(old)
	idx.addPointersLocked(current, key)
}

// GetPointer resolves entity to a working-set key. Lookup order: (1)
// local_db://id if entity.ID is set; (2) each relative pointer; (3) each
// {ns}://{id}/{type} pointer; (4) if the index has not been fully
// preloaded, lazily delegate to the configured Loader and register the
// result (§4.2).
func (idx *Index) GetPointer(ctx context.Context, entity *watchstate.State) (Key, bool, error) {
	if key, ok := idx.lookupLocal(entity); ok {
		return key, true, nil
	}

	idx.mu.RLock()
	fullyLoaded := idx.fullyLoaded
	loader := idx.loader
	idx.mu.RUnlock()

	if !fullyLoaded && loader != nil {
		found, err := loader.Get(ctx, entity)
		if err != nil {
			return "", false, err
		}
		if found != nil {
			key := idx.register(found)
			idx.AddPointers(found, key)
			return key, true, nil
		}
	}

	return "", false, nil
}

func (idx *Index) lookupLocal(entity *watchstate.State) (Key, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if entity.ID != nil {
		if key, ok := idx.ptr[localDBPointer(*entity.ID)]; ok {
			return key, true
		}
	}

	for _, p := range entity.RelativePointers() {
		if key, ok := idx.rptr[p]; ok {
			return key, true
		}
	}

	for _, p := range entity.Pointers() {
		if key, ok := idx.ptr[p]; ok {
			return key, true
		}
	}

	return "", false
}

// Reset clears both maps, used by Mapper.Reset (§4.3).
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ptr = make(map[string]Key)
	idx.rptr = make(map[string]Key)
	idx.fullyLoaded = false
}

// Len returns the number of distinct pointer entries (ptr plus rptr), for
// diagnostics.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ptr) + len(idx.rptr)
}
