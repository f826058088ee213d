package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Conn is the subset of *gorillawebsocket.Conn the socket uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// FrameFunc wraps an outbound payload before it hits the wire.
type FrameFunc func(payload []byte) []byte

// WSSocket adapts a websocket connection to Socket. Outbound payloads are
// queued on a buffered channel drained by WritePump; a full buffer drops the
// payload rather than blocking the sender.
type WSSocket struct {
	conn  Conn
	frame FrameFunc
	send  chan []byte
	done  chan struct{}
	once  sync.Once

	pumping   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewSocket(conn Conn, frame FrameFunc) *WSSocket {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WSSocket{
		conn:  conn,
		frame: frame,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

func (s *WSSocket) Send(payload []byte) error {
	if s.frame != nil {
		payload = s.frame(payload)
	}
	return s.enqueue(payload)
}

// SendRaw queues payload without applying the frame func. Transports use it
// for handshake replies that are not envelopes.
func (s *WSSocket) SendRaw(payload []byte) error {
	return s.enqueue(payload)
}

func (s *WSSocket) enqueue(payload []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		return ErrSendBufferFull
	}
}

// Read blocks for the next text frame.
func (s *WSSocket) Read() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// Close stops accepting payloads. A running write pump flushes what is
// queued and then closes the connection; otherwise the connection is closed
// here. Safe to call more than once.
func (s *WSSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	if s.pumping.Load() {
		return nil
	}
	return s.closeConn()
}

func (s *WSSocket) closeConn() error {
	s.closeOnce.Do(func() {
		s.conn.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done is closed once the socket is closed.
func (s *WSSocket) Done() <-chan struct{} {
	return s.done
}

// WritePump writes queued payloads and keepalive pings until the socket is
// closed or a write fails. Queued payloads are flushed before a close.
func (s *WSSocket) WritePump() {
	s.pumping.Store(true)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.once.Do(func() { close(s.done) })
		s.closeConn()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *WSSocket) drain() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *WSSocket) write(messageType int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// NewUpgrader returns an upgrader that accepts same-host requests and the
// listed origins. An empty list or "*" accepts every origin.
func NewUpgrader(allowedOrigins []string) *gorillawebsocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		},
	}
}
