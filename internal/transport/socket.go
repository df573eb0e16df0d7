// Package transport provides a thin adaptor between net.Conn and the
// framed codec, applying the configurable poll timeout and retry-on-
// connect behavior spec'd for peer and client connections.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// Socket wraps a net.Conn with the read/write deadline policy used
// throughout the node: every read and write gets a fresh deadline of
// Timeout, so a dead peer is detected without blocking forever.
type Socket struct {
	conn    net.Conn
	Timeout time.Duration
}

// Dial connects to addr, retrying every retryInterval until ctx is done.
func Dial(ctx context.Context, addr string, timeout, retryInterval time.Duration) (*Socket, error) {
	for {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return &Socket{conn: conn, Timeout: timeout}, nil
		}
		select {
		case <-ctx.Done():
			return nil, wire.Errorf(wire.IO, ctx.Err(), "dial %s canceled", addr)
		case <-time.After(retryInterval):
		}
	}
}

// Wrap adapts an already-accepted net.Conn.
func Wrap(conn net.Conn, timeout time.Duration) *Socket {
	return &Socket{conn: conn, Timeout: timeout}
}

func (s *Socket) Read(p []byte) (int, error) {
	if s.Timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.Timeout))
	}
	return s.conn.Read(p)
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.Timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.Timeout))
	}
	return s.conn.Write(p)
}

func (s *Socket) Close() error { return s.conn.Close() }

// PeerName reports the remote address, used for logging.
func (s *Socket) PeerName() string { return s.conn.RemoteAddr().String() }

// LocalName reports the local address this socket is bound to.
func (s *Socket) LocalName() string { return s.conn.LocalAddr().String() }

// Listener wraps net.Listener for the acceptor loop.
type Listener struct {
	ln net.Listener
}

// Listen binds a TCP listener on port.
func Listen(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", addrForPort(port))
	if err != nil {
		return nil, wire.Errorf(wire.IO, err, "listen on port %d", port)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept(timeout time.Duration) (*Socket, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, wire.Errorf(wire.IO, err, "accept")
	}
	return Wrap(conn, timeout), nil
}

func (l *Listener) Close() error { return l.ln.Close() }

func addrForPort(port int) string {
	return ":" + strconv.Itoa(port)
}
