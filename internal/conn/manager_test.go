package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/bazaar/market-chat/internal/protocol"
)

// staticTokens is a TokenSource returning a fixed credential.
type staticTokens string

func (s staticTokens) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", errors.New("logged out")
	}
	return string(s), nil
}

// pipeDialer hands out net.Pipe transports. The broker-side ends are
// delivered on the Server channel. FailFirst dials fail before the pipe is
// established; FailAll makes every dial fail.
type pipeDialer struct {
	mu        sync.Mutex
	dials     int
	failFirst int
	failAll   bool

	Server chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{Server: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, url string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failAll || d.dials <= d.failFirst
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	d.Server <- server
	return client, nil
}

func (d *pipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// testConfig returns a config with millisecond backoff so tests run without
// real delays.
func testConfig() Config {
	return Config{
		BrokerURL:            "ws://broker.test/ws",
		DialTimeout:          time.Second,
		PingInterval:         time.Minute, // keepalive quiet unless a test wants it
		ReconnectBase:        time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// brokerWrite pushes a broker frame to the client end of the pipe.
func brokerWrite(t *testing.T, server net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal broker frame: %v", err)
	}
	if err := wsutil.WriteServerMessage(server, ws.OpText, data); err != nil {
		t.Fatalf("write broker frame: %v", err)
	}
}

func TestConnect_DispatchesFrames(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	got := make(chan protocol.NewMessageMsg, 1)
	m.Register(protocol.TypeNewMessage, func(msg interface{}) {
		got <- msg.(protocol.NewMessageMsg)
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer m.Disconnect()

	if m.State() != StateConnected {
		t.Fatalf("expected state %q, got %q", StateConnected, m.State())
	}

	server := <-dialer.Server
	brokerWrite(t, server, map[string]interface{}{
		"type": "new_message", "id": "501", "chat_id": "42",
		"sender_id": "u9", "body": "hi", "message_type": "text",
	})

	select {
	case msg := <-got:
		if msg.ID != "501" || msg.ChatID != "42" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never received the frame")
	}
}

func TestConnect_NoCredentialFailsFast(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens(""))

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected state %q, got %q", StateDisconnected, m.State())
	}
	if dialer.Dials() != 0 {
		t.Errorf("expected no dial attempts, got %d", dialer.Dials())
	}
}

func TestConnect_SecondCallIsNoOp(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
	if dialer.Dials() != 1 {
		t.Errorf("expected 1 dial, got %d", dialer.Dials())
	}
}

func TestConnect_DialErrorReturnedToCaller(t *testing.T) {
	dialer := newPipeDialer()
	dialer.failAll = true
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error, got nil")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected state %q, got %q", StateDisconnected, m.State())
	}

	// A caller-initiated connect failure must not engage the retry policy.
	time.Sleep(20 * time.Millisecond)
	if dialer.Dials() != 1 {
		t.Errorf("expected no scheduled retries, got %d dials", dialer.Dials())
	}
}

func TestReconnect_BackoffTermination(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	gaveUp := make(chan struct{})
	m.OnGiveUp(func() { close(gaveUp) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	server := <-dialer.Server

	// Every dial after the first fails; the linear backoff policy must
	// exhaust its budget and park in terminal Disconnected.
	dialer.mu.Lock()
	dialer.failAll = true
	dialer.mu.Unlock()

	server.Close()

	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("give-up event never fired")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected terminal %q, got %q", StateDisconnected, m.State())
	}
	// 1 initial dial + MaxReconnectAttempts failed retries.
	if got, want := dialer.Dials(), 1+testConfig().MaxReconnectAttempts; got != want {
		t.Errorf("expected %d dials, got %d", want, got)
	}
}

func TestReconnect_RecoversAndResetsAttempts(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	var mu sync.Mutex
	connected := 0
	m.OnConnected(func() {
		mu.Lock()
		connected++
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer m.Disconnect()
	server := <-dialer.Server

	// Drop the transport; the next dial succeeds.
	server.Close()

	// State() alone can still report the pre-failure Connected, so wait on
	// the callback count to know the reconnect completed.
	waitFor(t, time.Second, func() bool { mu.Lock(); defer mu.Unlock(); return connected == 2 }, "reconnect")
	mu.Lock()
	n := connected
	mu.Unlock()
	if n != 2 {
		t.Errorf("expected OnConnected twice (initial + reconnect), got %d", n)
	}

	// The new transport must be live: a frame pushed on it is dispatched.
	server2 := <-dialer.Server
	got := make(chan struct{}, 1)
	m.Register(protocol.TypeError, func(msg interface{}) { got <- struct{}{} })
	brokerWrite(t, server2, map[string]interface{}{"type": "error", "message": "slow down"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("frame on reconnected transport was not dispatched")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	// Safe before any connect.
	m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	<-dialer.Server

	m.Disconnect()
	m.Disconnect()

	if m.State() != StateDisconnected {
		t.Errorf("expected state %q, got %q", StateDisconnected, m.State())
	}

	// No reconnects after an intentional disconnect.
	time.Sleep(20 * time.Millisecond)
	if dialer.Dials() != 1 {
		t.Errorf("expected no reconnect dials, got %d total", dialer.Dials())
	}
}

func TestStateChangeCallback_ReentersManager(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	var mu sync.Mutex
	var seen []State
	m.OnStateChange(func(s State) {
		// Calling back into the Manager from the observer must not deadlock.
		_ = m.State()
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	<-dialer.Server
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("observed transitions %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestSend_FailsFastWhenDisconnected(t *testing.T) {
	m := NewManager(testConfig(), newPipeDialer(), staticTokens("tok-1"))

	err := m.Send(protocol.TypeJoinChat, protocol.JoinChatMsg{ChatID: "42"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestKeepalive_SendsPings(t *testing.T) {
	config := testConfig()
	config.PingInterval = 5 * time.Millisecond
	dialer := newPipeDialer()
	m := NewManager(config, dialer, staticTokens("tok-1"))

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer m.Disconnect()
	server := <-dialer.Server

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		data, err := wsutil.ReadClientText(server)
		if err != nil {
			t.Fatalf("broker read: %v", err)
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("broker frame decode: %v", err)
		}
		if env.Type == protocol.TypePing {
			return
		}
	}
	t.Fatal("no ping frame observed")
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	dialer := newPipeDialer()
	m := NewManager(testConfig(), dialer, staticTokens("tok-1"))

	got := make(chan struct{}, 1)
	m.Register(protocol.TypeUserJoined, func(msg interface{}) { got <- struct{}{} })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer m.Disconnect()
	server := <-dialer.Server

	// Garbage first, then a valid frame; the connection must survive.
	if err := wsutil.WriteServerMessage(server, ws.OpText, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	brokerWrite(t, server, map[string]interface{}{"type": "user_joined", "chat_id": "42", "user_id": "u2"})

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("valid frame after garbage was not dispatched")
	}
	if m.State() != StateConnected {
		t.Errorf("expected state %q after malformed frame, got %q", StateConnected, m.State())
	}
}
