// Package gorillaws implements the realtime stream over a gorilla websocket.
// Each envelope travels in its own frame: binary frames for binary codecs,
// text frames otherwise.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/spaceuptech/space-api-go/internal/codec"
	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/logger"
	"github.com/spaceuptech/space-api-go/pkg/model"
)

// closeTimeout bounds the write of the close frame on Close.
const closeTimeout = time.Second

// Stream is safe for one concurrent sender and one concurrent receiver.
type Stream struct {
	conn   *gorilla.Conn
	codec  codec.Codec
	logger logger.Logger

	// writeLock serializes frame writes; gorilla allows a single writer.
	writeLock sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the realtime websocket at url. The codec name is offered as the
// websocket subprotocol.
func Dial(ctx context.Context, url string, c codec.Codec, log logger.Logger) (*Stream, error) {
	dialer := &gorilla.Dialer{
		Proxy:             gorilla.DefaultDialer.Proxy,
		HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
		EnableCompression: true,
		Subprotocols:      []string{c.Name()},
	}

	conn, res, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer res.Body.Close()

	return New(conn, c, log), nil
}

// New wraps an established websocket connection.
func New(conn *gorilla.Conn, c codec.Codec, log logger.Logger) *Stream {
	if log == nil {
		log = logger.Nop()
	}
	return &Stream{conn: conn, codec: c, logger: log}
}

func (s *Stream) Send(ctx context.Context, req *model.RealTimeRequest) error {
	data, err := s.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Type, err)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer s.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	return s.conn.WriteMessage(s.messageType(), data)
}

// Recv blocks until the next frame arrives. A normal close from the server
// surfaces as io.EOF; a frame that cannot be decoded is returned as an error
// because the stream can no longer be trusted.
func (s *Stream) Recv(_ context.Context) (*model.RealTimeResponse, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
			return nil, io.EOF
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, constants.ErrConnectionClosed
		}
		return nil, err
	}

	var res model.RealTimeResponse
	if err := s.codec.Unmarshal(data, &res); err != nil {
		s.logger.Error("failed to decode realtime frame", "error", err, "bytes", len(data))
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	return &res, nil
}

// Close sends a close frame, best effort, and closes the socket. It is
// idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		// WriteControl may run concurrently with a pending Send.
		msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
		err := s.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeTimeout))

		if err != nil && !errors.Is(err, gorilla.ErrCloseSent) {
			s.logger.Debug("failed to write close message", "error", err)
		}

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Stream) messageType() int {
	if s.codec.Binary() {
		return gorilla.BinaryMessage
	}
	return gorilla.TextMessage
}
