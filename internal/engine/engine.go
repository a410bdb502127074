// Package engine wires the connection manager, room registry, message
// store, typing coordinator and unread dispatcher into the single surface
// an application embeds. Broker frames are routed to the owning component
// on the connection's read goroutine, so per-frame processing is serial.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/bazaar/market-chat/internal/api"
	"github.com/bazaar/market-chat/internal/conn"
	"github.com/bazaar/market-chat/internal/protocol"
	"github.com/bazaar/market-chat/internal/room"
	"github.com/bazaar/market-chat/internal/store"
	"github.com/bazaar/market-chat/internal/typing"
	"github.com/bazaar/market-chat/internal/unread"
)

// ConversationAPI is the subset of the REST client the engine drives.
// *api.Client satisfies it; tests substitute an in-memory fake.
type ConversationAPI interface {
	ListChats(ctx context.Context) ([]api.ChatSummary, error)
	History(ctx context.Context, chatID, beforeID string, limit int) ([]protocol.Message, error)
	SendMessage(ctx context.Context, chatID, body string) error
	MarkRead(ctx context.Context, chatID string) error
}

// Config holds engine tunables.
type Config struct {
	// SelfID is the authenticated user's id, used to recognize echoes of
	// our own sends and to suppress self-notifications.
	SelfID string `env:"CHAT_USER_ID"`
	// HistoryPageSize is how many messages to request when hydrating a
	// room's history after joining it.
	HistoryPageSize int `env:"CHAT_HISTORY_PAGE_SIZE" envDefault:"50"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{HistoryPageSize: 50}
}

// Engine is the client-side chat runtime. All exported methods are safe
// for concurrent use.
type Engine struct {
	config  Config
	conn    *conn.Manager
	chats   ConversationAPI
	rooms   *room.List
	tracker *room.Tracker
	store   *store.Store
	typing  *typing.Coordinator
	unread  *unread.Dispatcher

	onBrokerError func(string)
	onIngest      func(protocol.Message)
	onEdit        func(protocol.Message)
	onDelete      func(chatID, messageID string)
}

// New assembles an engine around an already-configured connection manager.
// notifier may be nil when no presentation surface is attached.
func New(config Config, manager *conn.Manager, chats ConversationAPI, notifier unread.Notifier) *Engine {
	if config.HistoryPageSize <= 0 {
		config.HistoryPageSize = DefaultConfig().HistoryPageSize
	}

	e := &Engine{
		config:  config,
		conn:    manager,
		chats:   chats,
		rooms:   room.NewList(),
		tracker: room.NewTracker(),
		store:   store.New(config.SelfID),
		typing:  typing.NewCoordinator(),
		unread:  unread.NewDispatcher(config.SelfID, notifier, chats),
	}

	manager.Register(protocol.TypeNewMessage, e.onNewMessage)
	manager.Register(protocol.TypeMessageUpdated, e.onMessageUpdated)
	manager.Register(protocol.TypeMessageDeleted, e.onMessageDeleted)
	manager.Register(protocol.TypeTyping, e.onTyping)
	manager.Register(protocol.TypeUserJoined, e.onUserJoined)
	manager.Register(protocol.TypeUserLeft, e.onUserLeft)
	manager.Register(protocol.TypeError, e.onBrokerErrorFrame)
	manager.OnConnected(e.replaySubscriptions)

	return e
}

// OnConnectionState registers a callback for connection state transitions.
// Must be set before Connect.
func (e *Engine) OnConnectionState(fn func(conn.State)) { e.conn.OnStateChange(fn) }

// OnGiveUp registers a callback fired when reconnection is abandoned.
// Must be set before Connect.
func (e *Engine) OnGiveUp(fn func()) { e.conn.OnGiveUp(fn) }

// OnBrokerError registers a callback for application-level error frames
// pushed by the broker. Must be set before Connect.
func (e *Engine) OnBrokerError(fn func(string)) { e.onBrokerError = fn }

// OnIngest registers a tap on newly ingested authoritative messages, fired
// for fresh arrivals and reconciled echoes alike. Must be set before
// Connect. Used to feed the message archive.
func (e *Engine) OnIngest(fn func(protocol.Message)) { e.onIngest = fn }

// OnEdit registers a tap on message edits. Must be set before Connect.
func (e *Engine) OnEdit(fn func(protocol.Message)) { e.onEdit = fn }

// OnDelete registers a tap on message deletions. Must be set before Connect.
func (e *Engine) OnDelete(fn func(chatID, messageID string)) { e.onDelete = fn }

// Connect establishes the broker connection. Subscriptions recorded before
// connecting are replayed as soon as the socket is up.
func (e *Engine) Connect(ctx context.Context) error {
	return e.conn.Connect(ctx)
}

// Disconnect tears the connection down and stops any pending reconnect.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
}

// ConnectionState reports the connection manager's current state.
func (e *Engine) ConnectionState() conn.State {
	return e.conn.State()
}

// RefreshRooms hydrates the room registry from the conversation API and
// seeds unread counters with the server's values.
func (e *Engine) RefreshRooms(ctx context.Context) error {
	summaries, err := e.chats.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("engine: room list refresh: %w", err)
	}
	for _, s := range summaries {
		e.rooms.Upsert(s.Room)
		e.unread.Seed(s.ID, s.Unread)
	}
	return nil
}

// JoinRoom records the subscription intent and, when connected, sends the
// membership frame. The intent survives disconnects: it is replayed on every
// successful (re)connect. Joining an already-joined room re-sends the frame,
// which the broker treats as a no-op.
func (e *Engine) JoinRoom(chatID string) error {
	e.tracker.Join(chatID)
	err := e.conn.Send(protocol.TypeJoinChat, protocol.JoinChatMsg{ChatID: chatID})
	if err != nil && err != conn.ErrNotConnected {
		return fmt.Errorf("engine: join %s: %w", chatID, err)
	}
	return nil
}

// LeaveRoom drops the subscription intent and, when connected, sends the
// membership frame. Local state for the room (messages, counters) is kept;
// use RemoveRoom to discard it.
func (e *Engine) LeaveRoom(chatID string) error {
	e.tracker.Leave(chatID)
	err := e.conn.Send(protocol.TypeLeaveChat, protocol.LeaveChatMsg{ChatID: chatID})
	if err != nil && err != conn.ErrNotConnected {
		return fmt.Errorf("engine: leave %s: %w", chatID, err)
	}
	return nil
}

// RemoveRoom leaves a room and discards all client-side state for it.
func (e *Engine) RemoveRoom(chatID string) {
	if err := e.LeaveRoom(chatID); err != nil {
		log.Printf("engine: leave during removal chat=%s: %v", chatID, err)
	}
	e.rooms.Remove(chatID)
	e.typing.Clear(chatID)
	e.unread.Clear(chatID)
}

// LoadHistory fetches the newest history page for a room and installs it in
// the message store. Pushes that raced ahead of the fetch are merged in.
func (e *Engine) LoadHistory(ctx context.Context, chatID string) error {
	history, err := e.chats.History(ctx, chatID, "", e.config.HistoryPageSize)
	if err != nil {
		return fmt.Errorf("engine: history %s: %w", chatID, err)
	}
	e.store.SetHistory(chatID, history)
	return nil
}

// SendMessage appends an optimistic pending entry and issues the network
// send asynchronously. It returns the entry's local id immediately; the
// entry reconciles in place when the broker echoes the authoritative
// message, or is marked failed if the send errors. Fails fast when the
// connection is down: the echo could not arrive, so the send is refused
// up front rather than left pending forever.
func (e *Engine) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	if e.conn.State() != conn.StateConnected {
		return "", conn.ErrNotConnected
	}
	localID, err := e.store.SendLocal(chatID, body)
	if err != nil {
		return "", err
	}
	go func() {
		if err := e.chats.SendMessage(ctx, chatID, body); err != nil {
			log.Printf("engine: send failed chat=%s local=%s: %v", chatID, localID, err)
			e.store.MarkFailed(localID)
		}
	}()
	return localID, nil
}

// SetTyping sends a typing indicator for a room. Fails fast when
// disconnected; indicator loss is acceptable.
func (e *Engine) SetTyping(chatID string, isTyping bool) error {
	return e.conn.Send(protocol.TypeTyping, protocol.TypingMsg{ChatID: chatID, IsTyping: isTyping})
}

// SetActiveRoom declares which room the user is viewing. The active room
// accrues no unread count and fires no notifications.
func (e *Engine) SetActiveRoom(chatID string) {
	e.unread.SetActiveRoom(chatID)
}

// MarkRead zeroes a room's unread counter immediately and reports the read
// position upstream.
func (e *Engine) MarkRead(ctx context.Context, chatID string) {
	e.unread.MarkRead(ctx, chatID)
}

// Rooms returns the known rooms, most recently active first.
func (e *Engine) Rooms() []room.Room { return e.rooms.Rooms() }

// Messages returns the current timeline for a room, history plus live
// entries, including pending and failed optimistic sends.
func (e *Engine) Messages(chatID string) []store.Entry { return e.store.Messages(chatID) }

// TypingUsers returns the users currently typing in a room, expired
// indicators pruned.
func (e *Engine) TypingUsers(chatID string) []string { return e.typing.Users(chatID) }

// Unread returns the unread counter for a room.
func (e *Engine) Unread(chatID string) int { return e.unread.Count(chatID) }

// UnreadCounts returns all non-zero unread counters.
func (e *Engine) UnreadCounts() map[string]int { return e.unread.Counts() }

// replaySubscriptions re-sends join frames for every tracked room, in join
// order. Runs on (re)connect before the read loop starts, so joins precede
// any other traffic on the new transport.
func (e *Engine) replaySubscriptions() {
	err := e.tracker.Replay(func(chatID string) error {
		return e.conn.Send(protocol.TypeJoinChat, protocol.JoinChatMsg{ChatID: chatID})
	})
	if err != nil {
		// The write failure also surfaces through the transport and
		// triggers the normal reconnect path; nothing more to do here.
		log.Printf("engine: subscription replay aborted: %v", err)
	}
}

func (e *Engine) onNewMessage(msg interface{}) {
	m, ok := msg.(protocol.NewMessageMsg)
	if !ok {
		return
	}
	switch e.store.Ingest(m.Message) {
	case store.ResultNew, store.ResultBuffered:
		e.rooms.SetPreview(m.ChatID, m.Body, m.CreatedAt)
		e.unread.OnMessage(m.Message)
	case store.ResultReconciled:
		e.rooms.SetPreview(m.ChatID, m.Body, m.CreatedAt)
	case store.ResultDuplicate:
		return
	}
	// A message implies its sender stopped typing.
	e.typing.Set(m.ChatID, m.SenderID, false)
	if fn := e.onIngest; fn != nil {
		fn(m.Message)
	}
}

func (e *Engine) onMessageUpdated(msg interface{}) {
	m, ok := msg.(protocol.MessageUpdatedMsg)
	if !ok {
		return
	}
	e.store.ApplyEdit(m.Message)
	if fn := e.onEdit; fn != nil {
		fn(m.Message)
	}
}

func (e *Engine) onMessageDeleted(msg interface{}) {
	m, ok := msg.(protocol.MessageDeletedMsg)
	if !ok {
		return
	}
	e.store.ApplyDelete(m.ChatID, m.MessageID)
	if fn := e.onDelete; fn != nil {
		fn(m.ChatID, m.MessageID)
	}
}

func (e *Engine) onTyping(msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	// The broker may echo our own indicator back; never show it.
	if m.UserID == e.config.SelfID {
		return
	}
	e.typing.Set(m.ChatID, m.UserID, m.IsTyping)
}

func (e *Engine) onUserJoined(msg interface{}) {
	m, ok := msg.(protocol.UserJoinedMsg)
	if !ok {
		return
	}
	e.rooms.AddParticipant(m.ChatID, m.UserID)
}

func (e *Engine) onUserLeft(msg interface{}) {
	m, ok := msg.(protocol.UserLeftMsg)
	if !ok {
		return
	}
	e.rooms.RemoveParticipant(m.ChatID, m.UserID)
}

func (e *Engine) onBrokerErrorFrame(msg interface{}) {
	m, ok := msg.(protocol.ErrorMsg)
	if !ok {
		return
	}
	log.Printf("engine: broker error: %s", m.Message)
	if fn := e.onBrokerError; fn != nil {
		fn(m.Message)
	}
}
