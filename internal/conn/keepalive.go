package conn

import (
	"errors"
	"time"

	"github.com/bazaar/market-chat/internal/protocol"
)

// keepalive sends an application-level ping frame on a fixed interval while
// the connection is up. A write error is the liveness signal: it hands the
// failure to the reconnection policy. The goroutine exits when stop closes.
func (m *Manager) keepalive(gen int, stop chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := m.Send(protocol.TypePing, protocol.PingMsg{Timestamp: time.Now().Unix()})
			if err == nil {
				continue
			}
			// ErrNotConnected means the transport already went away and its
			// failure was handled elsewhere.
			if !errors.Is(err, ErrNotConnected) {
				m.transportFailed(gen, err)
			}
			return
		}
	}
}
