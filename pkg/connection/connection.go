// Package connection multiplexes live queries over one realtime stream.
//
// A Conn owns two goroutines: a writer draining the outgoing control-message
// queue into the stream, and a reader that routes every inbound response to
// the subscription registered under its id. Callers never touch the network
// directly; Enqueue returns as soon as the message is queued.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/spaceuptech/space-api-go/internal/duplex"
	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/logger"
	"github.com/spaceuptech/space-api-go/pkg/model"
	"github.com/spaceuptech/space-api-go/pkg/registry"
)

// Stream is the bidirectional transport underneath a Conn. Send is only ever
// called from the writer goroutine and Recv only from the reader goroutine.
// Close must unblock a pending Recv.
type Stream interface {
	Send(ctx context.Context, req *model.RealTimeRequest) error
	Recv(ctx context.Context) (*model.RealTimeResponse, error)
	Close() error
}

type Conn struct {
	stream   Stream
	outgoing *duplex.Queue[*model.RealTimeRequest]
	registry *registry.Registry
	logger   logger.Logger

	// stopped is set once either loop, or Close, has begun shutting the
	// stream down. A loop failing after that point is only seeing the
	// consequence and does not report it.
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	done chan struct{}
	err  error
}

// New starts the reader and writer loops over stream. Responses are routed
// through reg. The connection lives until Close, a stream failure, or the
// cancellation of ctx.
func New(ctx context.Context, stream Stream, reg *registry.Registry, log logger.Logger) *Conn {
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		stream:   stream,
		outgoing: duplex.NewQueue[*model.RealTimeRequest](),
		registry: reg,
		logger:   log,
		done:     make(chan struct{}),
	}

	// Cancelling the parent context is a deliberate close.
	go func() {
		<-ctx.Done()
		c.stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })

	go func() {
		err := g.Wait()
		c.stop()
		cancel()

		c.err = err
		if err != nil {
			c.logger.Error("realtime stream failed", "error", err, "subscriptions", c.registry.Len())
		}

		// Every subscription shares this stream, so they all share its fate.
		// A nil error tells them the connection was closed on purpose.
		c.registry.Each(func(e *registry.Entry) {
			e.Handler.HandleFailure(err)
		})
		close(c.done)
	}()

	return c
}

func (c *Conn) Registry() *registry.Registry {
	return c.registry
}

// Enqueue queues a control message for the writer. It never blocks on the
// network.
func (c *Conn) Enqueue(req *model.RealTimeRequest) error {
	if c.outgoing.Closed() {
		return constants.ErrConnectionClosed
	}
	c.outgoing.Enqueue(req)
	return nil
}

// Close stops both loops, closes the stream and waits for the routing of the
// final notifications. Pending control messages are discarded. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.stop()
	<-c.done
	return c.stopErr
}

// Done is closed once both loops have exited and every registered
// subscription has been notified.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil for a deliberate
// Close. It must only be called after Done is closed.
func (c *Conn) Err() error {
	return c.err
}

func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		c.outgoing.Close()
		c.stopErr = c.stream.Close()
	})
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		req, ok := c.outgoing.Next()
		if !ok {
			return nil
		}

		if err := c.stream.Send(ctx, req); err != nil {
			if c.stopped.Load() {
				return nil
			}
			c.stop()
			return fmt.Errorf("%w: send %s for %s: %v", constants.ErrConnectionClosed, req.Type, req.ID, err)
		}

		c.logger.Debug("sent control message", "type", req.Type, "id", req.ID, "group", req.Group)
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		res, err := c.stream.Recv(ctx)
		if err != nil {
			if c.stopped.Load() {
				return nil
			}
			c.stop()
			if errors.Is(err, constants.ErrConnectionClosed) {
				return err
			}
			return fmt.Errorf("%w: %v", constants.ErrConnectionClosed, err)
		}

		entry, ok := c.registry.Lookup(res.ID)
		if !ok {
			c.logger.Debug("dropping response for unknown subscription", "id", res.ID, "entries", len(res.FeedData))
			continue
		}

		entry.Handler.HandleResponse(res)
	}
}
