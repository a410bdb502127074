// Package conn owns the single logical transport to the marketplace message
// broker. It handles connection establishment with bearer credentials,
// keepalive pings, reconnection with linear backoff, and serial dispatch of
// inbound frames to a single-slot handler table.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/bazaar/market-chat/internal/metrics"
	"github.com/bazaar/market-chat/internal/protocol"
)

// State is the connection lifecycle state. It is owned exclusively by the
// Manager; all other components only observe it.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Sentinel errors for fail-fast command handling.
var (
	// ErrNotConnected is returned when a frame send is attempted without an
	// established transport. Callers decide whether to retry once connected;
	// nothing is queued.
	ErrNotConnected = errors.New("conn: not connected")

	// ErrNoCredential is returned when the token source has no credential
	// (user logged out). No reconnect attempts are scheduled after it.
	ErrNoCredential = errors.New("conn: no credential available")
)

// TokenSource supplies the current bearer credential for (re)connects. The
// refresh/queueing behavior behind it belongs to the auth subsystem.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Handler is the callback signature for a parsed broker frame. The msg
// parameter is the concrete struct returned by protocol.ParseServerMessage
// (e.g., protocol.NewMessageMsg, protocol.TypingMsg, etc.).
type Handler func(msg interface{})

// Config holds tunable parameters for the connection manager. Backoff values
// are injectable so tests run without real delays.
type Config struct {
	BrokerURL            string        // ws://host/ws endpoint of the broker
	DialTimeout          time.Duration // timeout for transport establishment
	PingInterval         time.Duration // keepalive frame interval
	ReconnectBase        time.Duration // delay unit; attempt N waits N x base
	MaxReconnectAttempts int           // attempts before giving up
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:          10 * time.Second,
		PingInterval:         30 * time.Second,
		ReconnectBase:        2 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Manager establishes and maintains exactly one logical transport to the
// broker per authenticated session. Inbound frames are parsed into typed
// events and dispatched serially from a single reader goroutine, so handlers
// never observe interleaved state mutations.
type Manager struct {
	config Config
	dialer Dialer
	tokens TokenSource

	mu             sync.Mutex
	state          State
	conn           net.Conn
	gen            int // connection generation; stale loops are ignored
	attempts       int
	closed         bool
	reconnectTimer *time.Timer
	pingStop       chan struct{}
	handlers       map[string]Handler

	writeMu sync.Mutex // serializes outbound frames

	onState     func(State)
	onConnected func()
	onGiveUp    func()
}

// NewManager creates a Manager. Handlers and lifecycle callbacks must be
// registered before Connect is called.
func NewManager(config Config, dialer Dialer, tokens TokenSource) *Manager {
	return &Manager{
		config:   config,
		dialer:   dialer,
		tokens:   tokens,
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
	}
}

// Register associates a Handler with a broker frame type. Only one handler
// per frame type is supported; registering a second handler for the same type
// replaces the first.
func (m *Manager) Register(msgType string, handler Handler) {
	m.mu.Lock()
	m.handlers[msgType] = handler
	m.mu.Unlock()
}

// OnStateChange sets the callback invoked on every state transition. It runs
// after the transition is committed and outside the Manager's lock, so the
// callback may call back into the Manager.
func (m *Manager) OnStateChange(fn func(State)) { m.onState = fn }

// OnConnected sets the callback invoked on every transition into Connected,
// including reconnects. It runs before the reader goroutine starts, so frames
// it sends (subscription replay) precede all other outbound traffic.
func (m *Manager) OnConnected(fn func()) { m.onConnected = fn }

// OnGiveUp sets the callback invoked when the reconnection policy exhausts
// its attempt budget and the state becomes terminally Disconnected.
func (m *Manager) OnGiveUp(fn func()) { m.onGiveUp = fn }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the transport. A second call while already Connected or
// Connecting is a no-op, preventing duplicate transports from concurrent
// callers. A failure of this caller-initiated dial is returned directly and
// does not engage the reconnection policy.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	// A manual connect during a scheduled reconnect takes over: cancel the
	// pending timer and dial immediately.
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.closed = false
	m.attempts = 0
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notifyState(notify)

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		var down func()
		if !m.closed {
			down = m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		notifyState(down)
		return err
	}
	return nil
}

// Disconnect tears down the transport and suppresses further reconnection
// attempts. It is safe to call from any state and is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	c := m.conn
	m.conn = nil
	m.attempts = 0
	var notify func()
	if m.state != StateDisconnected {
		notify = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	notifyState(notify)
}

// Send marshals payload into a client frame of the given type and writes it
// to the transport. It fails fast with ErrNotConnected when no transport is
// established; nothing is queued for later delivery.
func (m *Manager) Send(msgType string, payload interface{}) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	c := m.conn
	m.mu.Unlock()

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return wsutil.WriteClientMessage(c, ws.OpText, data)
}

// dial fetches a credential, establishes the transport, and starts the reader
// and keepalive goroutines. Shared by Connect and reconnect attempts.
func (m *Manager) dial(ctx context.Context) error {
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if tok == "" {
		return ErrNoCredential
	}

	// The credential travels as a query parameter; there is no in-band
	// re-authentication frame.
	endpoint := m.config.BrokerURL
	sep := "?"
	if u, perr := url.Parse(endpoint); perr == nil && u.RawQuery != "" {
		sep = "&"
	}
	endpoint += sep + "token=" + url.QueryEscape(tok)

	dctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	c, err := m.dialer.Dial(dctx, endpoint)
	if err != nil {
		return fmt.Errorf("conn: dial: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return errors.New("conn: disconnected during dial")
	}
	m.gen++
	gen := m.gen
	m.conn = c
	m.attempts = 0
	stop := make(chan struct{})
	m.pingStop = stop
	notify := m.setStateLocked(StateConnected)
	onConnected := m.onConnected
	m.mu.Unlock()
	notifyState(notify)

	// Subscription replay runs before the reader starts so its join frames
	// precede any other traffic on this transport.
	if onConnected != nil {
		onConnected()
	}

	go m.readLoop(c, gen)
	go m.keepalive(gen, stop)
	return nil
}

// readLoop reads broker frames until the transport fails or is closed. All
// dispatch happens on this single goroutine, in arrival order.
func (m *Manager) readLoop(c net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(c)
		if err != nil {
			m.transportFailed(gen, err)
			return
		}
		m.dispatch(data)
	}
}

// dispatch parses a raw frame and routes it to the registered handler.
// Malformed frames are logged and dropped, never fatal.
func (m *Manager) dispatch(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("conn: dropping malformed frame: %v", err)
		metrics.FramesTotal.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues(msgType).Inc()

	m.mu.Lock()
	handler := m.handlers[msgType]
	m.mu.Unlock()

	if handler == nil {
		// Pong needs no handler; liveness is the absence of write errors.
		if msgType != protocol.TypePong {
			log.Printf("conn: no handler for frame type=%q", msgType)
		}
		return
	}
	handler(msg)
}

// transportFailed reacts to an unexpected transport closure while the
// application still intends to be connected. Stale generations (a failure
// reported after a newer transport replaced this one) are ignored.
func (m *Manager) transportFailed(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	c := m.conn
	m.conn = nil
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	notify := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	log.Printf("conn: transport failure: %v", err)
	notifyState(notify)
	m.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect attempt with linearly increasing
// delay, or transitions to terminal Disconnected once the attempt budget is
// exhausted.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.config.MaxReconnectAttempts {
		notify := m.setStateLocked(StateDisconnected)
		onGiveUp := m.onGiveUp
		m.mu.Unlock()
		log.Printf("conn: giving up after %d reconnect attempts", m.config.MaxReconnectAttempts)
		metrics.ReconnectsTotal.WithLabelValues("give_up").Inc()
		notifyState(notify)
		if onGiveUp != nil {
			onGiveUp()
		}
		return
	}
	delay := time.Duration(m.attempts) * m.config.ReconnectBase
	log.Printf("conn: reconnect attempt %d/%d in %s", m.attempts, m.config.MaxReconnectAttempts, delay)
	m.reconnectTimer = time.AfterFunc(delay, m.tryReconnect)
	m.mu.Unlock()
}

// tryReconnect performs one scheduled reconnect attempt. A failed dial feeds
// back into the reconnection policy; a missing credential is terminal.
func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	err := m.dial(context.Background())
	if err == nil {
		metrics.ReconnectsTotal.WithLabelValues("success").Inc()
		return
	}
	metrics.ReconnectsTotal.WithLabelValues("failure").Inc()

	if errors.Is(err, ErrNoCredential) {
		log.Printf("conn: no credential for reconnect, stopping")
		m.mu.Lock()
		var notify func()
		if !m.closed {
			notify = m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		notifyState(notify)
		return
	}

	log.Printf("conn: reconnect failed: %v", err)
	m.scheduleReconnect()
}

// setStateLocked updates the state and returns the observer notification, to
// be invoked by the caller after m.mu is released. Running the callback
// outside the lock lets it call back into the Manager (State, Send, ...).
func (m *Manager) setStateLocked(s State) func() {
	m.state = s
	metrics.ConnectionState.Set(stateGaugeValue(s))
	if m.onState == nil {
		return nil
	}
	fn := m.onState
	return func() { fn(s) }
}

func notifyState(fn func()) {
	if fn != nil {
		fn()
	}
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	default:
		return 0
	}
}
