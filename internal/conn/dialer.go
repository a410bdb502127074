package conn

import (
	"context"
	"net"

	"github.com/gobwas/ws"
)

// Dialer establishes the underlying transport to the broker. It exists as an
// interface so tests can substitute an in-memory pipe for a real WebSocket.
type Dialer interface {
	Dial(ctx context.Context, url string) (net.Conn, error)
}

// wsDialer dials the broker over WebSocket using gobwas/ws.
type wsDialer struct{}

// NewWSDialer returns the production Dialer.
func NewWSDialer() Dialer {
	return wsDialer{}
}

func (wsDialer) Dial(ctx context.Context, url string) (net.Conn, error) {
	c, _, _, err := ws.Dial(ctx, url)
	return c, err
}
