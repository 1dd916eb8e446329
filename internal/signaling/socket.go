package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// Socket is one duplex, message-oriented connection to the signaling
// server. The Client owns at most one live Socket at a time; tests
// substitute an in-process implementation.
type Socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error

	// Ping sends a transport-level ping and blocks until the pong
	// arrives, the timeout elapses, or the write fails.
	Ping(timeout time.Duration) error

	// Close performs the normal closure handshake.
	Close() error

	// Abandon drops the connection without a close handshake; the peer
	// observes an abnormal closure.
	Abandon() error
}

// DialFunc opens a Socket. The Client's default is DialWebSocket.
type DialFunc func(serverURL string) (Socket, error)

// wsSocket wraps a gorilla WebSocket connection.
type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pong    chan struct{}
}

// DialWebSocket connects to the signaling server using a dialer with
// robust DNS lookup (system resolver with public-DNS fallback).
func DialWebSocket(serverURL string) (Socket, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		resolvedIP, err := dns.Lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}

		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	s := &wsSocket{
		conn: conn,
		pong: make(chan struct{}, 1),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case s.pong <- struct{}{}:
		default:
		}
		return nil
	})

	return s, nil
}

func (s *wsSocket) ReadJSON(v any) error {
	return s.conn.ReadJSON(v)
}

func (s *wsSocket) WriteJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Ping(timeout time.Duration) error {
	// Drain any pong left over from a previous ping.
	select {
	case <-s.pong:
	default:
	}

	deadline := time.Now().Add(writeWait)
	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}

	select {
	case <-s.pong:
		return nil
	case <-time.After(timeout):
		return errors.New("pong timeout")
	}
}

func (s *wsSocket) Close() error {
	deadline := time.Now().Add(writeWait)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

func (s *wsSocket) Abandon() error {
	return s.conn.Close()
}
