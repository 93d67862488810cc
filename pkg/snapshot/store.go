// Package snapshot holds the materialized view behind a full-snapshot live query.
package snapshot

import (
	"sync"

	"github.com/spaceuptech/space-api-go/pkg/feed"
)

type State uint8

const (
	StateEmpty State = iota
	StatePopulating
	StateLive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePopulating:
		return "populating"
	case StateLive:
		return "live"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// Row is one document in the store. Deleted rows are kept as tombstones so
// that late, older events for the same id are still rejected.
type Row struct {
	ID        string
	Timestamp int64
	Doc       feed.Document
	Deleted   bool
}

// Store is safe for concurrent use. Rows keep the order in which their ids
// were first seen, and there is never more than one row per id.
type Store struct {
	mu    sync.RWMutex
	rows  []*Row
	index map[string]*Row
	state State
}

func New() *Store {
	return &Store{index: make(map[string]*Row)}
}

// Apply applies m with last-writer-wins by timestamp and reports whether the
// store changed. Equal timestamps overwrite.
func (s *Store) Apply(m feed.Mutation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTornDown {
		return false
	}
	s.advance(m.Op)

	row, ok := s.index[m.DocID]

	switch m.Op {
	case feed.OpInitialRow, feed.OpReplaceRow:
		if !ok {
			row = &Row{ID: m.DocID, Timestamp: m.Timestamp, Doc: m.Doc}
			s.rows = append(s.rows, row)
			s.index[m.DocID] = row
			return true
		}
		if m.Timestamp < row.Timestamp {
			return false
		}
		row.Timestamp = m.Timestamp
		row.Doc = m.Doc
		row.Deleted = false
		return true

	case feed.OpTombstoneRow:
		// An unseen id is dropped; it can only surface through a later
		// non-delete event, which is subject to the same timestamp rule.
		if !ok || m.Timestamp < row.Timestamp {
			return false
		}
		row.Timestamp = m.Timestamp
		row.Doc = nil
		row.Deleted = true
		return true
	}

	return false
}

func (s *Store) advance(op feed.Op) {
	switch {
	case op == feed.OpInitialRow && s.state == StateEmpty:
		s.state = StatePopulating
	case op != feed.OpInitialRow:
		s.state = StateLive
	}
}

// Materialize returns the documents of all live rows in insertion order.
// The documents are shared with the store and must not be modified.
func (s *Store) Materialize() []feed.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]feed.Document, 0, len(s.rows))
	for _, row := range s.rows {
		if !row.Deleted {
			docs = append(docs, row.Doc)
		}
	}
	return docs
}

// Row returns a copy of the row for id, tombstones included.
func (s *Store) Row(id string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.index[id]
	if !ok {
		return Row{}, false
	}
	return *row, true
}

// Len counts rows including tombstones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Teardown releases every row. The store ignores all further mutations.
func (s *Store) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows = nil
	s.index = nil
	s.state = StateTornDown
}
