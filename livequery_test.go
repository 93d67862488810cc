package spaceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/feed"
	"github.com/spaceuptech/space-api-go/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = time.Second

// memStream is an in-memory connection.Stream; the test plays the server.
type memStream struct {
	sent     chan *model.RealTimeRequest
	inbound  chan *model.RealTimeResponse
	failRecv chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newMemStream() *memStream {
	return &memStream{
		sent:     make(chan *model.RealTimeRequest, 64),
		inbound:  make(chan *model.RealTimeResponse),
		failRecv: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (m *memStream) Send(_ context.Context, req *model.RealTimeRequest) error {
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	case m.sent <- req:
		return nil
	}
}

func (m *memStream) Recv(_ context.Context) (*model.RealTimeResponse, error) {
	select {
	case res := <-m.inbound:
		return res, nil
	case err := <-m.failRecv:
		return nil, err
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *memStream) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *memStream) push(t *testing.T, res *model.RealTimeResponse) {
	t.Helper()
	select {
	case m.inbound <- res:
	case <-time.After(waitFor):
		t.Fatal("client did not read the response")
	}
}

func (m *memStream) expectSent(t *testing.T) *model.RealTimeRequest {
	t.Helper()
	select {
	case req := <-m.sent:
		return req
	case <-time.After(waitFor):
		t.Fatal("no control message was sent")
		return nil
	}
}

func (m *memStream) expectNothingSent(t *testing.T) {
	t.Helper()
	select {
	case req := <-m.sent:
		t.Fatalf("unexpected control message %s for %s", req.Type, req.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

type snapshotCall struct {
	docs  []feed.Document
	kind  feed.Kind
	delta feed.Document
}

type recorder struct {
	snapshots chan snapshotCall
	errs      chan error
}

func newRecorder() *recorder {
	return &recorder{
		snapshots: make(chan snapshotCall, 32),
		errs:      make(chan error, 8),
	}
}

func (r *recorder) onSnapshot(docs []feed.Document, kind feed.Kind, delta feed.Document) {
	r.snapshots <- snapshotCall{docs: docs, kind: kind, delta: delta}
}

func (r *recorder) onChange(delta feed.Document, kind feed.Kind) {
	r.snapshots <- snapshotCall{kind: kind, delta: delta}
}

func (r *recorder) onError(err error) {
	r.errs <- err
}

func (r *recorder) next(t *testing.T) snapshotCall {
	t.Helper()
	select {
	case c := <-r.snapshots:
		return c
	case <-time.After(waitFor):
		t.Fatal("no callback")
		return snapshotCall{}
	}
}

func (r *recorder) nextErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitFor):
		t.Fatal("no error callback")
		return nil
	}
}

func (r *recorder) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.snapshots:
		t.Fatalf("unexpected callback %v %v", c.kind, c.delta)
	case err := <-r.errs:
		t.Fatalf("unexpected error callback %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestAPI(t *testing.T) (*API, *memStream) {
	t.Helper()
	stream := newMemStream()
	config := NewConfig("ws://localhost:4122", "books-app")
	config.Token = "secret"
	api := FromStream(stream, config)
	t.Cleanup(func() { api.Close() })
	return api, stream
}

func entry(kind, id string, ts int64, payload string) model.FeedData {
	fd := model.FeedData{DocID: id, Type: kind, TimeStamp: ts}
	if payload != "" {
		fd.Payload = json.RawMessage(payload)
	}
	return fd
}

func feedOf(q *LiveQuery, rows ...model.FeedData) *model.RealTimeResponse {
	return &model.RealTimeResponse{ID: q.ID(), Ack: true, FeedData: rows}
}

func waitDone(t *testing.T, q *LiveQuery) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(waitFor):
		t.Fatalf("live query still %s", q.State())
	}
}

func TestSubscribeSendsControlMessage(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books").Where(Filter{"author": "ursula"})
	unsubscribe := q.Subscribe(r.onSnapshot, r.onError)
	defer unsubscribe()

	req := stream.expectSent(t)
	assert.Equal(t, constants.TypeRealtimeSubscribe, req.Type)
	assert.Equal(t, q.ID(), req.ID)
	assert.Equal(t, constants.Mongo, req.DBType)
	assert.Equal(t, "books-app", req.Project)
	assert.Equal(t, "books", req.Group)
	assert.Equal(t, "secret", req.Token)
	assert.Equal(t, "ursula", req.Where["author"])
	assert.False(t, req.Options.SkipInitial)
	assert.Equal(t, StateActive, q.State())

	e, ok := api.conn.Registry().Lookup(q.ID())
	require.True(t, ok)
	assert.NotNil(t, e.Store)
	assert.Equal(t, []string{q.ID()}, api.conn.Registry().ByCollection("books"))
}

func TestLiveQueryIDsAreUnique(t *testing.T) {
	api, _ := newTestAPI(t)
	db := api.Postgres()
	q := db.LiveQuery("a")
	assert.NotEqual(t, q.ID(), db.LiveQuery("a").ID())
	assert.Equal(t, constants.Postgres, db.Type())

	id, err := uuid.FromString(q.ID())
	require.NoError(t, err)
	assert.Equal(t, byte(uuid.V1), id.Version())
}

func TestFullSnapshotDelivery(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	defer q.Subscribe(r.onSnapshot, r.onError)()
	stream.expectSent(t)

	stream.push(t, feedOf(q,
		entry(constants.Initial, "1", 10, `{"_id":"1","name":"a"}`),
		entry(constants.Initial, "2", 10, `{"_id":"2","name":"b"}`),
	))
	c := r.next(t)
	assert.Equal(t, feed.KindInitial, c.kind)
	assert.Equal(t, feed.Document{}, c.delta)
	require.Len(t, c.docs, 2)
	assert.Equal(t, "a", c.docs[0]["name"])
	assert.Equal(t, "b", c.docs[1]["name"])

	stream.push(t, feedOf(q, entry(constants.Insert, "3", 11, `{"_id":"3","name":"c"}`)))
	c = r.next(t)
	assert.Equal(t, feed.KindInsert, c.kind)
	assert.Equal(t, "c", c.delta["name"])
	assert.Len(t, c.docs, 3)

	// stale update: still a callback, view unchanged
	stream.push(t, feedOf(q, entry(constants.Update, "1", 5, `{"_id":"1","name":"old"}`)))
	c = r.next(t)
	assert.Equal(t, feed.KindUpdate, c.kind)
	assert.Equal(t, "a", c.docs[0]["name"])

	stream.push(t, feedOf(q, entry(constants.Update, "1", 12, `{"_id":"1","name":"a2"}`)))
	c = r.next(t)
	assert.Equal(t, "a2", c.docs[0]["name"])

	stream.push(t, feedOf(q, entry(constants.Delete, "2", 13, "")))
	c = r.next(t)
	assert.Equal(t, feed.KindDelete, c.kind)
	assert.Equal(t, feed.Document{"_id": "2"}, c.delta)
	require.Len(t, c.docs, 2)
	assert.Equal(t, "a2", c.docs[0]["name"])
	assert.Equal(t, "c", c.docs[1]["name"])

	assert.Equal(t, c.docs, q.Snapshot())
}

func TestSkipInitialStillPopulatesStore(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.MySQL().LiveQuery("books").SkipInitial(true)
	defer q.Subscribe(r.onSnapshot, r.onError)()
	assert.True(t, stream.expectSent(t).Options.SkipInitial)

	stream.push(t, feedOf(q, entry(constants.Initial, "1", 10, `{"id":1}`)))
	r.expectQuiet(t)

	stream.push(t, feedOf(q, entry(constants.Delete, "1", 11, "")))
	c := r.next(t)
	assert.Equal(t, feed.Document{"id": int64(1)}, c.delta)
	assert.Empty(t, c.docs)
}

func TestChangesOnlyDeliversDelta(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books").Options(true)
	defer q.Subscribe(r.onSnapshot, r.onError)()
	assert.True(t, stream.expectSent(t).Options.SkipInitial)

	stream.push(t, feedOf(q, entry(constants.Insert, "7", 1, `{"_id":"7","title":"dune"}`)))
	c := r.next(t)
	assert.Nil(t, c.docs)
	assert.Equal(t, feed.KindInsert, c.kind)
	assert.Equal(t, feed.Document{"_id": "7", "title": "dune"}, c.delta)

	assert.Nil(t, q.Snapshot())
	e, ok := api.conn.Registry().Lookup(q.ID())
	require.True(t, ok)
	assert.Nil(t, e.Store)
}

func TestSubscribeChanges(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Postgres().LiveQuery("books")
	defer q.SubscribeChanges(r.onChange, r.onError)()
	assert.True(t, stream.expectSent(t).Options.SkipInitial)

	stream.push(t, feedOf(q,
		entry(constants.Initial, "1", 1, `{"id":1}`),
		entry(constants.Delete, "5", 2, ""),
		entry(constants.Delete, "x-9", 3, ""),
	))

	c := r.next(t)
	assert.Equal(t, feed.KindDelete, c.kind)
	assert.Equal(t, feed.Document{"id": int64(5)}, c.delta)

	c = r.next(t)
	assert.Equal(t, feed.Document{"id": "x-9"}, c.delta)
	r.expectQuiet(t)
}

func TestSubscribeChangesWithInitialRows(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books").Options(true).SkipInitial(false)
	defer q.SubscribeChanges(r.onChange, r.onError)()
	assert.False(t, stream.expectSent(t).Options.SkipInitial)

	stream.push(t, feedOf(q, entry(constants.Initial, "1", 1, `{"_id":"1"}`)))
	c := r.next(t)
	assert.Equal(t, feed.KindInitial, c.kind)
	assert.Equal(t, "1", c.delta["_id"])
}

func TestUnsubscribeTwiceSendsOnce(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	unsubscribe := q.Subscribe(r.onSnapshot, r.onError)
	stream.expectSent(t)

	unsubscribe()
	unsubscribe()
	q.Unsubscribe()

	req := stream.expectSent(t)
	assert.Equal(t, constants.TypeRealtimeUnsubscribe, req.Type)
	assert.Equal(t, q.ID(), req.ID)
	stream.expectNothingSent(t)

	waitDone(t, q)
	assert.Equal(t, StateTerminated, q.State())
	assert.Equal(t, 0, api.conn.Registry().Len())
	assert.Empty(t, q.Snapshot())
	r.expectQuiet(t)
}

func TestNoCallbackAfterUnsubscribe(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	unsubscribe := q.Subscribe(r.onSnapshot, r.onError)
	stream.expectSent(t)
	unsubscribe()
	stream.expectSent(t)

	// routed nowhere now
	stream.push(t, feedOf(q, entry(constants.Insert, "1", 1, `{}`)))
	r.expectQuiet(t)
}

func TestUnsubscribeBeforeSubscribeIsNoop(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	q.Unsubscribe()
	stream.expectNothingSent(t)
	assert.Equal(t, StateCreated, q.State())

	defer q.Subscribe(r.onSnapshot, r.onError)()
	assert.Equal(t, constants.TypeRealtimeSubscribe, stream.expectSent(t).Type)
}

func TestBackendErrorUnsubscribes(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("secrets")
	q.Subscribe(r.onSnapshot, r.onError)
	stream.expectSent(t)

	stream.push(t, &model.RealTimeResponse{ID: q.ID(), Ack: false, Error: "insufficient permissions"})

	err := r.nextErr(t)
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, q.ID(), backendErr.SubscriptionID)
	assert.Equal(t, "insufficient permissions", err.Error())

	assert.Equal(t, constants.TypeRealtimeUnsubscribe, stream.expectSent(t).Type)
	waitDone(t, q)
	assert.Equal(t, StateErrored, q.State())

	// absorbing
	q.Unsubscribe()
	stream.expectNothingSent(t)
	assert.Equal(t, StateErrored, q.State())
}

func TestMalformedPayloadFailsSubscription(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	q.Subscribe(r.onSnapshot, r.onError)
	stream.expectSent(t)

	stream.push(t, feedOf(q, entry(constants.Insert, "1", 1, `[1,2]`)))
	assert.ErrorIs(t, r.nextErr(t), constants.ErrMalformedPayload)

	stream.push(t, feedOf(q, entry("truncate", "1", 1, "")))
	waitDone(t, q)
	assert.Equal(t, StateErrored, q.State())
	r.expectQuiet(t)
}

func TestCallbackPanicIsReported(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	q.Subscribe(func([]feed.Document, feed.Kind, feed.Document) {
		panic("boom")
	}, r.onError)
	stream.expectSent(t)

	stream.push(t, feedOf(q, entry(constants.Insert, "1", 1, `{}`)))

	err := r.nextErr(t)
	assert.ErrorIs(t, err, constants.ErrCallbackPanic)
	assert.NotErrorIs(t, err, constants.ErrConnectionClosed)
	assert.Contains(t, err.Error(), "boom")

	assert.Equal(t, constants.TypeRealtimeUnsubscribe, stream.expectSent(t).Type)
	waitDone(t, q)
	assert.Equal(t, StateErrored, q.State())
}

func TestTransportFailureReachesEveryLiveQuery(t *testing.T) {
	api, stream := newTestAPI(t)
	r1, r2 := newRecorder(), newRecorder()

	q1 := api.Mongo().LiveQuery("books")
	q1.Subscribe(r1.onSnapshot, r1.onError)
	q2 := api.MySQL().LiveQuery("authors")
	q2.SubscribeChanges(r2.onChange, r2.onError)
	stream.expectSent(t)
	stream.expectSent(t)

	stream.failRecv <- errors.New("connection reset by peer")

	for _, r := range []*recorder{r1, r2} {
		err := r.nextErr(t)
		assert.ErrorIs(t, err, constants.ErrConnectionClosed)
		assert.Contains(t, err.Error(), "connection reset by peer")
	}
	waitDone(t, q1)
	waitDone(t, q2)
	assert.Equal(t, StateErrored, q1.State())
	assert.Equal(t, StateErrored, q2.State())

	<-api.Done()
	assert.ErrorIs(t, api.Err(), constants.ErrConnectionClosed)
}

func TestCloseTerminatesQuietly(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books")
	q.Subscribe(r.onSnapshot, r.onError)
	stream.expectSent(t)

	require.NoError(t, api.Close())
	waitDone(t, q)
	assert.Equal(t, StateTerminated, q.State())
	assert.NoError(t, api.Err())
	r.expectQuiet(t)
}

func TestSubscribeMisuse(t *testing.T) {
	t.Run("second subscribe", func(t *testing.T) {
		api, stream := newTestAPI(t)
		r := newRecorder()

		q := api.Mongo().LiveQuery("books")
		defer q.Subscribe(r.onSnapshot, r.onError)()
		stream.expectSent(t)

		unsubscribe := q.Subscribe(r.onSnapshot, r.onError)
		assert.ErrorIs(t, r.nextErr(t), constants.ErrAlreadySubscribed)
		unsubscribe()
		stream.expectNothingSent(t)
		assert.Equal(t, StateActive, q.State())
	})

	t.Run("closed client", func(t *testing.T) {
		api, stream := newTestAPI(t)
		r := newRecorder()
		require.NoError(t, api.Close())

		q := api.Mongo().LiveQuery("books")
		unsubscribe := q.Subscribe(r.onSnapshot, r.onError)
		assert.ErrorIs(t, r.nextErr(t), constants.ErrConnectionClosed)
		unsubscribe()
		stream.expectNothingSent(t)
		waitDone(t, q)
		assert.Equal(t, StateErrored, q.State())
		assert.Equal(t, 0, api.conn.Registry().Len())
	})

	t.Run("unknown database", func(t *testing.T) {
		api, stream := newTestAPI(t)
		r := newRecorder()

		q := api.DB("cassandra").LiveQuery("books")
		q.Subscribe(r.onSnapshot, r.onError)
		assert.ErrorIs(t, r.nextErr(t), constants.ErrUnknownBackend)
		stream.expectNothingSent(t)
		assert.Equal(t, StateErrored, q.State())
	})
}

func TestSlowCallbackStallsOnlyItsLiveQuery(t *testing.T) {
	api, stream := newTestAPI(t)
	release := make(chan struct{})
	fast := newRecorder()

	slow := api.Mongo().LiveQuery("books").Options(true)
	defer slow.Subscribe(func([]feed.Document, feed.Kind, feed.Document) {
		<-release
	}, nil)()
	other := api.Mongo().LiveQuery("books").Options(true)
	defer other.Subscribe(fast.onSnapshot, fast.onError)()
	stream.expectSent(t)
	stream.expectSent(t)

	stream.push(t, feedOf(slow, entry(constants.Insert, "1", 1, `{}`)))
	stream.push(t, feedOf(slow, entry(constants.Insert, "2", 2, `{}`)))
	stream.push(t, feedOf(other, entry(constants.Insert, "3", 3, `{"n":3}`)))

	assert.Equal(t, float64(3), fast.next(t).delta["n"])
	close(release)
}

func TestBuilderIsFrozenAfterSubscribe(t *testing.T) {
	api, stream := newTestAPI(t)
	r := newRecorder()

	q := api.Mongo().LiveQuery("books").Where(Filter{"a": 1})
	defer q.Subscribe(r.onSnapshot, r.onError)()
	stream.expectSent(t)

	q.Where(Filter{"b": 2}).Options(true).SkipInitial(true)

	stream.push(t, feedOf(q, entry(constants.Insert, "1", 1, `{"_id":"1"}`)))
	c := r.next(t)
	assert.Len(t, c.docs, 1)
}

func TestUnsubscribeInsideCallbackStopsBatch(t *testing.T) {
	batch := func(q *LiveQuery) *model.RealTimeResponse {
		return feedOf(q,
			entry(constants.Insert, "1", 1, `{"_id":"1"}`),
			entry(constants.Insert, "2", 2, `{"_id":"2"}`),
			entry(constants.Insert, "3", 3, `{"_id":"3"}`),
		)
	}

	t.Run("changes only", func(t *testing.T) {
		api, stream := newTestAPI(t)
		r := newRecorder()

		q := api.Mongo().LiveQuery("books").Options(true).SkipInitial(false)
		q.SubscribeChanges(func(delta feed.Document, kind feed.Kind) {
			r.onChange(delta, kind)
			q.Unsubscribe()
		}, r.onError)
		stream.expectSent(t)

		stream.push(t, batch(q))
		assert.Equal(t, "1", r.next(t).delta["_id"])
		assert.Equal(t, constants.TypeRealtimeUnsubscribe, stream.expectSent(t).Type)
		waitDone(t, q)
		assert.Equal(t, StateTerminated, q.State())
		r.expectQuiet(t)
	})

	t.Run("full snapshot", func(t *testing.T) {
		api, stream := newTestAPI(t)
		r := newRecorder()

		q := api.Mongo().LiveQuery("books")
		q.Subscribe(func(docs []feed.Document, kind feed.Kind, delta feed.Document) {
			r.onSnapshot(docs, kind, delta)
			q.Unsubscribe()
		}, r.onError)
		stream.expectSent(t)

		stream.push(t, batch(q))
		c := r.next(t)
		assert.Len(t, c.docs, 1)
		stream.expectSent(t)
		waitDone(t, q)
		r.expectQuiet(t)
		assert.Empty(t, q.Snapshot())
	})

	t.Run("from another goroutine", func(t *testing.T) {
		api, stream := newTestAPI(t)
		r := newRecorder()
		entered := make(chan struct{})
		release := make(chan struct{})

		q := api.Mongo().LiveQuery("books").Options(true)
		q.SubscribeChanges(func(delta feed.Document, kind feed.Kind) {
			r.onChange(delta, kind)
			if delta["_id"] == "1" {
				close(entered)
				<-release
			}
		}, r.onError)
		stream.expectSent(t)

		stream.push(t, batch(q))
		<-entered
		q.Unsubscribe()
		close(release)

		assert.Equal(t, "1", r.next(t).delta["_id"])
		waitDone(t, q)
		r.expectQuiet(t)
	})
}
