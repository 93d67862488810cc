// Package fakesrv provides an in-process realtime websocket server for tests.
//
// It speaks the realtime envelope protocol with any codec from
// internal/codec, records every control message it receives, and lets the
// test push responses or break connections at will. Stub replies can be
// configured per control message through OnRequest.
package fakesrv

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/spaceuptech/space-api-go/internal/codec"
	"github.com/spaceuptech/space-api-go/pkg/model"
)

// Responder builds the responses the server sends back for a control
// message. Returning nil sends nothing.
type Responder func(req *model.RealTimeRequest) []*model.RealTimeResponse

type Server struct {
	srv   *httptest.Server
	codec codec.Codec

	upgrader gorilla.Upgrader

	mu        sync.Mutex
	conns     []*serverConn
	responder Responder

	requests chan *model.RealTimeRequest
	connCh   chan struct{}
}

type serverConn struct {
	conn      *gorilla.Conn
	writeLock sync.Mutex
}

func (sc *serverConn) write(messageType int, data []byte) error {
	sc.writeLock.Lock()
	defer sc.writeLock.Unlock()
	return sc.conn.WriteMessage(messageType, data)
}

// New starts a server speaking c. Call Close when done.
func New(c codec.Codec) *Server {
	s := &Server{
		codec:    c,
		requests: make(chan *model.RealTimeRequest, 128),
		connCh:   make(chan struct{}, 16),
	}
	s.upgrader = gorilla.Upgrader{
		Subprotocols: []string{c.Name()},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// OnRequest installs the stub responder.
func (s *Server) OnRequest(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// Requests yields every control message received, in arrival order.
func (s *Server) Requests() <-chan *model.RealTimeRequest {
	return s.requests
}

// NextRequest waits up to timeout for the next control message.
func (s *Server) NextRequest(timeout time.Duration) (*model.RealTimeRequest, error) {
	select {
	case req := <-s.requests:
		return req, nil
	case <-time.After(timeout):
		return nil, errors.New("fakesrv: no request within timeout")
	}
}

// WaitConnected waits until a client has completed the websocket handshake.
func (s *Server) WaitConnected(timeout time.Duration) error {
	select {
	case <-s.connCh:
		return nil
	case <-time.After(timeout):
		return errors.New("fakesrv: no client connected")
	}
}

// Push sends res to every connected client.
func (s *Server) Push(res *model.RealTimeResponse) error {
	data, err := s.codec.Marshal(res)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	for _, sc := range conns {
		if err := sc.write(s.messageType(), data); err != nil {
			return err
		}
	}
	return nil
}

// PushRaw sends an undecodable frame to every client.
func (s *Server) PushRaw(data []byte) error {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	for _, sc := range conns {
		if err := sc.write(s.messageType(), data); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every client socket without a close handshake,
// as a network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, sc := range conns {
		sc.conn.UnderlyingConn().Close()
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sc := &serverConn{conn: conn}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	select {
	case s.connCh <- struct{}{}:
	default:
	}

	defer s.remove(sc)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req model.RealTimeRequest
		if err := s.codec.Unmarshal(data, &req); err != nil {
			return
		}

		select {
		case s.requests <- &req:
		default:
		}

		s.mu.Lock()
		responder := s.responder
		s.mu.Unlock()
		if responder == nil {
			continue
		}

		for _, res := range responder(&req) {
			out, err := s.codec.Marshal(res)
			if err != nil {
				return
			}
			if err := sc.write(s.messageType(), out); err != nil {
				return
			}
		}
	}
}

func (s *Server) remove(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.conns {
		if c == sc {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	sc.conn.Close()
}

func (s *Server) messageType() int {
	if s.codec.Binary() {
		return gorilla.BinaryMessage
	}
	return gorilla.TextMessage
}
