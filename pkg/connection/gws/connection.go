// Package gws implements the realtime stream on top of lxzan/gws.
//
// gws is event driven: frames arrive on its read loop goroutine and are handed
// to Recv through a channel, so the read loop blocks until the connection's
// reader has taken the previous frame.
package gws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/lxzan/gws"

	"github.com/spaceuptech/space-api-go/internal/codec"
	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/logger"
	"github.com/spaceuptech/space-api-go/pkg/model"
)

type Stream struct {
	conn   *gws.Conn
	codec  codec.Codec
	logger logger.Logger

	frames chan []byte

	// done is closed when the socket is gone, err says why.
	done       chan struct{}
	err        error
	finishOnce sync.Once
	closeOnce  sync.Once
}

type websocketHandler struct {
	stream *Stream
}

func (h *websocketHandler) OnOpen(socket *gws.Conn) {}

func (h *websocketHandler) OnClose(socket *gws.Conn, err error) {
	h.stream.finish(fmt.Errorf("%w: %v", constants.ErrConnectionClosed, err))
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *websocketHandler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *websocketHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	// the message buffer goes back to the pool on Close
	data := append([]byte(nil), message.Bytes()...)
	select {
	case h.stream.frames <- data:
	case <-h.stream.done:
	}
}

// Dial opens the realtime websocket at url, offering the codec name as the
// subprotocol.
func Dial(ctx context.Context, url string, c codec.Codec, log logger.Logger) (*Stream, error) {
	s := newStream(c, log)

	option := &gws.ClientOption{
		Addr: url,
		RequestHeader: http.Header{
			"Sec-WebSocket-Protocol": []string{c.Name()},
		},
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: true,
		},
	}

	type dialed struct {
		conn *gws.Conn
		err  error
	}
	result := make(chan dialed, 1)
	go func() {
		conn, _, err := gws.NewClient(&websocketHandler{stream: s}, option)
		result <- dialed{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// The handshake cannot be interrupted; drop the socket once it is done.
		go func() {
			if r := <-result; r.conn != nil {
				r.conn.NetConn().Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", url, ctx.Err())
	case r := <-result:
		if r.err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, r.err)
		}
		s.conn = r.conn
	}

	go s.conn.ReadLoop()
	return s, nil
}

func newStream(c codec.Codec, log logger.Logger) *Stream {
	if log == nil {
		log = logger.Nop()
	}
	return &Stream{
		codec:  c,
		logger: log,
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}
}

func (s *Stream) finish(err error) {
	s.finishOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Stream) Send(_ context.Context, req *model.RealTimeRequest) error {
	data, err := s.codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Type, err)
	}

	select {
	case <-s.done:
		return s.err
	default:
	}

	return s.conn.WriteMessage(s.opcode(), data)
}

func (s *Stream) Recv(_ context.Context) (*model.RealTimeResponse, error) {
	var data []byte
	select {
	case data = <-s.frames:
	case <-s.done:
		return nil, s.err
	}

	var res model.RealTimeResponse
	if err := s.codec.Unmarshal(data, &res); err != nil {
		s.logger.Error("failed to decode realtime frame", "error", err, "bytes", len(data))
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	return &res, nil
}

// Close drops the socket, which ends the read loop. It is idempotent.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.finish(constants.ErrConnectionClosed)
		// gws may already have closed the socket when its read loop ended.
		if cerr := s.conn.NetConn().Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (s *Stream) opcode() gws.Opcode {
	if s.codec.Binary() {
		return gws.OpcodeBinary
	}
	return gws.OpcodeText
}
