// Package registry routes inbound realtime responses to the live query they
// belong to.
//
// The registry is the router of record for one shared connection: the
// connection's reader looks every response up by subscription id, and live
// queries register on subscribe and deregister on unsubscribe. It only holds
// lookup associations; the live query owns its store and callbacks.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/model"
	"github.com/spaceuptech/space-api-go/pkg/snapshot"
)

// Handler receives the traffic routed to one subscription.
//
// Both methods are called from the connection's reader goroutine and must
// not block.
type Handler interface {
	HandleResponse(res *model.RealTimeResponse)
	// HandleFailure is called when the shared stream fails. A nil error
	// means the connection was closed deliberately.
	HandleFailure(err error)
}

// Entry is what a subscription registers. Store is nil for changes-only
// subscriptions.
type Entry struct {
	ID         string
	Collection string
	Filter     map[string]any
	Store      *snapshot.Store
	Handler    Handler
}

type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*Entry
	byCollection map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		entries:      make(map[string]*Entry),
		byCollection: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("%w: %v", constants.ErrIDInUse, e.ID)
	}

	r.entries[e.ID] = e

	ids, ok := r.byCollection[e.Collection]
	if !ok {
		ids = make(map[string]struct{})
		r.byCollection[e.Collection] = ids
	}
	ids[e.ID] = struct{}{}

	return nil
}

func (r *Registry) Lookup(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Deregister removes id and reports whether it was registered.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}

	delete(r.entries, id)
	if ids, ok := r.byCollection[e.Collection]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byCollection, e.Collection)
		}
	}

	return true
}

// ByCollection returns the sorted ids of subscriptions on collection.
func (r *Registry) ByCollection(collection string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byCollection[collection]))
	for id := range r.byCollection[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Each calls fn for a snapshot of the registered entries. fn runs without
// the registry lock held, so it may register or deregister.
func (r *Registry) Each(fn func(*Entry)) {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		fn(e)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
