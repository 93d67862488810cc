package spaceapi

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/spaceuptech/space-api-go/internal/duplex"
	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/feed"
	"github.com/spaceuptech/space-api-go/pkg/logger"
	"github.com/spaceuptech/space-api-go/pkg/model"
	"github.com/spaceuptech/space-api-go/pkg/registry"
	"github.com/spaceuptech/space-api-go/pkg/snapshot"
)

// Filter is the where clause of a live query, sent to the server as is. A nil
// or empty filter matches every row of the collection.
type Filter map[string]any

// SnapshotFunc receives the materialized rows, the kind of the change and the
// changed document. For the initial batch delta is an empty document. In
// changes-only mode docs is nil.
type SnapshotFunc func(docs []feed.Document, kind feed.Kind, delta feed.Document)

// ChangeFunc receives one changed document in changes-only mode. For deletes
// delta only carries the identifier: {"_id": ...} on mongo, {"id": ...} on
// SQL databases.
type ChangeFunc func(delta feed.Document, kind feed.Kind)

type ErrorFunc func(err error)

type State int32

const (
	StateCreated State = iota
	StateSubscribing
	StateActive
	StateUnsubscribing
	StateTerminated
	// StateErrored is final. The live query was ended by an error.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateTerminated:
		return "terminated"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// inboxItem is either a routed response or the end of the connection.
type inboxItem struct {
	res *model.RealTimeResponse

	closed bool
	err    error
}

// LiveQuery is one subscription to the changes of a collection. It can be
// subscribed once.
type LiveQuery struct {
	api        *API
	id         string
	dbType     string
	collection string
	logger     logger.Logger

	mu          sync.Mutex
	state       State
	filter      Filter
	changesOnly bool
	skipInitial bool
	backend     feed.Backend
	store       *snapshot.Store
	onSnapshot  SnapshotFunc
	onChange    ChangeFunc
	onError     ErrorFunc

	inbox     *duplex.Queue[inboxItem]
	unsubOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

func newLiveQuery(api *API, dbType, collection string) *LiveQuery {
	id, err := uuid.NewV1()
	if err != nil {
		id = uuid.Must(uuid.NewV4())
	}

	q := &LiveQuery{
		api:        api,
		id:         id.String(),
		dbType:     dbType,
		collection: collection,
		filter:     Filter{},
		inbox:      duplex.NewQueue[inboxItem](),
		done:       make(chan struct{}),
	}
	q.logger = &queryLogger{Logger: api.logger, id: q.id, collection: collection}
	return q
}

// Where sets the filter. It has no effect once subscribed.
func (q *LiveQuery) Where(filter Filter) *LiveQuery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateCreated {
		if filter == nil {
			filter = Filter{}
		}
		q.filter = filter
	}
	return q
}

// Options selects changes-only delivery: no local copy is kept and only the
// changed document is passed on. It also sets skip-initial to the same value;
// call SkipInitial afterwards to override it.
func (q *LiveQuery) Options(changesOnly bool) *LiveQuery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateCreated {
		q.changesOnly = changesOnly
		q.skipInitial = changesOnly
	}
	return q
}

// SkipInitial asks the server not to deliver the rows that already match at
// subscription time.
func (q *LiveQuery) SkipInitial(skip bool) *LiveQuery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateCreated {
		q.skipInitial = skip
	}
	return q
}

func (q *LiveQuery) ID() string {
	return q.id
}

func (q *LiveQuery) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Done is closed once the live query has ended and its last callback has
// returned.
func (q *LiveQuery) Done() <-chan struct{} {
	return q.done
}

// Snapshot returns the documents currently held, in the order they were
// first seen. It is nil in changes-only mode and empty once the live query
// has ended.
func (q *LiveQuery) Snapshot() []feed.Document {
	q.mu.Lock()
	store := q.store
	q.mu.Unlock()

	if store == nil {
		return nil
	}
	return store.Materialize()
}

// Subscribe starts the live query and returns the function that ends it.
//
// Subscribe never fails directly: every problem, including a second call or
// a closed client, is reported to onError, in which case the returned
// function does nothing.
func (q *LiveQuery) Subscribe(onSnapshot SnapshotFunc, onError ErrorFunc) func() {
	return q.subscribe(onSnapshot, nil, onError)
}

// SubscribeChanges subscribes in changes-only mode.
func (q *LiveQuery) SubscribeChanges(onChange ChangeFunc, onError ErrorFunc) func() {
	q.mu.Lock()
	if q.state == StateCreated && !q.changesOnly {
		q.changesOnly = true
		q.skipInitial = true
	}
	q.mu.Unlock()

	return q.subscribe(nil, onChange, onError)
}

func (q *LiveQuery) subscribe(onSnapshot SnapshotFunc, onChange ChangeFunc, onError ErrorFunc) func() {
	if onError == nil {
		onError = func(err error) {
			q.logger.Error("live query error", "error", err)
		}
	}
	noop := func() {}

	q.mu.Lock()
	if q.state != StateCreated {
		state := q.state
		q.mu.Unlock()
		q.callError(onError, fmt.Errorf("%w: %s is %s", constants.ErrAlreadySubscribed, q.id, state))
		return noop
	}

	backend, err := feed.ParseBackend(q.dbType)
	if err != nil {
		q.mu.Unlock()
		q.abort(onError, err)
		return noop
	}

	q.state = StateSubscribing
	q.backend = backend
	q.onSnapshot = onSnapshot
	q.onChange = onChange
	q.onError = onError
	if !q.changesOnly {
		q.store = snapshot.New()
	}
	entry := &registry.Entry{
		ID:         q.id,
		Collection: q.collection,
		Filter:     q.filter,
		Store:      q.store,
		Handler:    q,
	}
	req := q.request(constants.TypeRealtimeSubscribe)
	q.mu.Unlock()

	reg := q.api.conn.Registry()
	if err := reg.Register(entry); err != nil {
		q.abort(onError, err)
		return noop
	}

	// Registered before enqueueing so no response can arrive unrouted.
	if err := q.api.conn.Enqueue(req); err != nil {
		reg.Deregister(q.id)
		q.abort(onError, err)
		return noop
	}

	q.mu.Lock()
	if q.state == StateSubscribing {
		q.state = StateActive
	}
	q.mu.Unlock()

	q.logger.Debug("subscribed", "db", q.dbType, "changesOnly", q.changesOnly, "skipInitial", q.skipInitial)

	go q.run()
	return q.Unsubscribe
}

// abort ends a live query that never became active.
func (q *LiveQuery) abort(onError ErrorFunc, err error) {
	q.unsubOnce.Do(func() {})

	q.mu.Lock()
	q.state = StateErrored
	store := q.store
	q.mu.Unlock()

	if store != nil {
		store.Teardown()
	}
	q.inbox.Close()
	q.callError(onError, err)
	q.doneOnce.Do(func() { close(q.done) })
}

// Unsubscribe ends the live query. The server is told to stop the feed and
// no callback is invoked after the one in flight, if any, returns. Calling it
// again, or before Subscribe, does nothing.
func (q *LiveQuery) Unsubscribe() {
	q.mu.Lock()
	created := q.state == StateCreated
	q.mu.Unlock()
	if created {
		return
	}

	q.unsubOnce.Do(q.unsubscribe)
}

func (q *LiveQuery) unsubscribe() {
	q.mu.Lock()
	if q.state != StateErrored {
		q.state = StateUnsubscribing
	}
	req := q.request(constants.TypeRealtimeUnsubscribe)
	q.mu.Unlock()

	if err := q.api.conn.Enqueue(req); err != nil {
		q.logger.Debug("unsubscribe not sent", "error", err)
	}
	q.api.conn.Registry().Deregister(q.id)
	q.inbox.Close()

	q.mu.Lock()
	if q.state != StateErrored {
		q.state = StateTerminated
	}
	q.mu.Unlock()

	q.logger.Debug("unsubscribed")
}

// HandleResponse is called by the connection's reader.
func (q *LiveQuery) HandleResponse(res *model.RealTimeResponse) {
	q.inbox.Enqueue(inboxItem{res: res})
}

// HandleFailure is called by the connection once it has ended.
func (q *LiveQuery) HandleFailure(err error) {
	q.inbox.Enqueue(inboxItem{closed: true, err: err})
}

func (q *LiveQuery) run() {
	defer q.finish()

	for {
		item, ok := q.inbox.Next()
		if !ok {
			return
		}

		if err := q.handle(item); err != nil {
			q.fail(err)
		}
	}
}

func (q *LiveQuery) finish() {
	q.mu.Lock()
	store := q.store
	q.mu.Unlock()

	if store != nil {
		store.Teardown()
	}
	q.doneOnce.Do(func() { close(q.done) })
}

func (q *LiveQuery) handle(item inboxItem) error {
	switch {
	case item.closed && item.err == nil:
		q.logger.Debug("connection closed")
		q.Unsubscribe()
		return nil
	case item.closed:
		return item.err
	case !item.res.Ack:
		return &BackendError{SubscriptionID: q.id, Message: item.res.Error}
	default:
		return q.deliver(item.res.FeedData)
	}
}

// fail reports err and ends the live query.
func (q *LiveQuery) fail(err error) {
	q.mu.Lock()
	if q.state == StateUnsubscribing || q.state == StateTerminated {
		q.mu.Unlock()
		q.logger.Debug("error after unsubscribe", "error", err)
		return
	}
	q.state = StateErrored
	onError := q.onError
	q.mu.Unlock()

	q.logger.Warn("live query failed", "error", err)
	q.callError(onError, err)
	q.Unsubscribe()
}

func (q *LiveQuery) callError(onError ErrorFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("error callback panicked", "panic", r, "error", err)
		}
	}()
	onError(err)
}

// invoke runs a user callback, turning a panic into an error.
func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", constants.ErrCallbackPanic, r)
		}
	}()
	fn()
	return nil
}

func (q *LiveQuery) deliver(rows []model.FeedData) error {
	if len(rows) == 0 {
		return nil
	}

	mutations := make([]feed.Mutation, 0, len(rows))
	for _, fd := range rows {
		m, err := feed.DecodeEntry(fd)
		if err != nil {
			return err
		}
		mutations = append(mutations, m)
	}

	if q.changesOnly {
		return q.deliverChanges(mutations)
	}
	return q.deliverSnapshots(mutations)
}

func (q *LiveQuery) deliverChanges(mutations []feed.Mutation) error {
	for _, m := range mutations {
		if q.skipInitial && m.Kind == feed.KindInitial {
			continue
		}

		if !q.active() {
			return nil
		}
		delta := feed.Delta(m, q.backend)
		err := invoke(func() {
			if q.onChange != nil {
				q.onChange(delta, m.Kind)
				return
			}
			q.onSnapshot(nil, m.Kind, delta)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// deliverSnapshots applies every mutation to the store. An initial batch
// yields a single callback once all its rows are in; every other mutation
// yields its own.
func (q *LiveQuery) deliverSnapshots(mutations []feed.Mutation) error {
	pendingInitial := false
	flush := func() error {
		if !pendingInitial {
			return nil
		}
		pendingInitial = false
		if q.skipInitial || !q.active() {
			return nil
		}
		docs := q.store.Materialize()
		return invoke(func() { q.onSnapshot(docs, feed.KindInitial, feed.Document{}) })
	}

	for _, m := range mutations {
		if !q.active() {
			return nil
		}
		q.store.Apply(m)

		if m.Kind == feed.KindInitial {
			pendingInitial = true
			continue
		}
		if err := flush(); err != nil {
			return err
		}

		docs := q.store.Materialize()
		delta := feed.Delta(m, q.backend)
		if err := invoke(func() { q.onSnapshot(docs, m.Kind, delta) }); err != nil {
			return err
		}
	}
	return flush()
}

// active reports whether callbacks may still run. Unsubscribe from inside a
// callback stops the rest of the batch.
func (q *LiveQuery) active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == StateActive
}

// request builds a control message for this live query. q.mu must be held.
func (q *LiveQuery) request(kind string) *model.RealTimeRequest {
	return &model.RealTimeRequest{
		Token:   q.api.config.Token,
		DBType:  q.dbType,
		Project: q.api.config.ProjectID,
		Group:   q.collection,
		Type:    kind,
		ID:      q.id,
		Where:   q.filter,
		Options: model.RealTimeOptions{SkipInitial: q.skipInitial},
	}
}

// queryLogger tags every line with the live query it comes from.
type queryLogger struct {
	logger.Logger
	id         string
	collection string
}

func (l *queryLogger) with(args []any) []any {
	return append([]any{"liveQuery", l.id, "collection", l.collection}, args...)
}

func (l *queryLogger) Error(msg string, args ...any) { l.Logger.Error(msg, l.with(args)...) }
func (l *queryLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, l.with(args)...) }
func (l *queryLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, l.with(args)...) }
func (l *queryLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, l.with(args)...) }
