package peer

import (
	"github.com/jackson-nestelroad/nodectl/internal/transport"
	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// Link is one peer's pair of one-directional connections: out is the
// socket we dialed to them (we write Request/Reply on it), in is the
// socket they dialed to us (we read their Request/Reply on it). This
// mirrors peer_network_manager.h's PeerConnection, keeping the mutex
// traffic strictly separate from any client/server fan-out connection.
type Link struct {
	ID wire.NodeID

	inSock, outSock *transport.Socket
	in, out         *wire.Codec
}

// SendMessage implements mutex.PeerSender by writing on the outbound
// half of the link.
func (l *Link) SendMessage(m wire.Message) error {
	return l.out.WriteMessage(m)
}

// Serve reads messages off the inbound half of the link, passing each to
// handler, until the connection errors or closes. Callers run this in
// its own goroutine, one per established Link.
func (l *Link) Serve(handler func(from wire.NodeID, m wire.Message) error) error {
	for {
		msg, err := l.in.ReadMessage()
		if err != nil {
			return err
		}
		if err := handler(l.ID, msg); err != nil {
			return err
		}
	}
}

// Close sends a Shutdown on the outbound half, then tears down both
// halves of the link. The Shutdown send is best-effort: a failure here
// just means the peer sees only a closed connection. On the receiving
// side, Serve hands the Shutdown to its handler like any other message;
// the mutex engine ignores it.
func (l *Link) Close() error {
	_ = l.out.WriteMessage(wire.ShutdownMessage{}.ToMessage())
	inErr := l.inSock.Close()
	outErr := l.outSock.Close()
	if outErr != nil {
		return outErr
	}
	return inErr
}
