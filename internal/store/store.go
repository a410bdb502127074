// Package store maintains the de-duplicated, room-scoped ordered view of
// messages despite optimistic local echoes, at-least-once broker delivery,
// and out-of-order acknowledgments.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazaar/market-chat/internal/metrics"
	"github.com/bazaar/market-chat/internal/protocol"
)

// IngestResult describes what happened to an ingested broker message.
type IngestResult string

const (
	// ResultNew means the message was appended as a fresh authoritative entry.
	ResultNew IngestResult = "new"
	// ResultDuplicate means the message id was already present and the push
	// was silently discarded.
	ResultDuplicate IngestResult = "duplicate"
	// ResultReconciled means the message replaced a pending optimistic entry
	// in place.
	ResultReconciled IngestResult = "reconciled"
	// ResultBuffered means the room's history has not loaded yet, so the
	// message was parked until it does.
	ResultBuffered IngestResult = "buffered"
)

// Entry is one slot in a room's ordered message sequence. Optimistic sends
// occupy a slot with Pending set until the authoritative echo replaces them.
// Deleted messages keep their slot as a tombstone so ordering is preserved.
type Entry struct {
	Message protocol.Message
	LocalID string // client-generated id for optimistic entries; never sent to the broker
	Pending bool
	Failed  bool

	sentAt time.Time
}

// Store holds the per-room message sequences. All mutation happens under one
// mutex; handlers finish mutating before the next event is processed.
type Store struct {
	selfID string

	mu      sync.Mutex
	rooms   map[string][]*Entry
	seen    map[string]map[string]struct{} // chatID -> server ids present
	loaded  map[string]bool                // chatID -> history load complete
	early   map[string]*earlyBuffer        // parked messages for unloaded rooms
	pending map[string]*Entry              // localID -> optimistic entry
}

// New creates a Store. selfID is the current user's identifier, used to match
// authoritative echoes of this client's own sends against pending entries.
func New(selfID string) *Store {
	return &Store{
		selfID:  selfID,
		rooms:   make(map[string][]*Entry),
		seen:    make(map[string]map[string]struct{}),
		loaded:  make(map[string]bool),
		early:   make(map[string]*earlyBuffer),
		pending: make(map[string]*Entry),
	}
}

// SendLocal appends an optimistic pending message and returns its local id.
// It returns immediately; the network call happens elsewhere and the
// authoritative echo arrives later via Ingest. Sending implies the room is
// open, so the room is marked history-loaded.
func (s *Store) SendLocal(chatID, body string) (string, error) {
	if err := ValidateBody(body); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}

	localID := uuid.NewString()
	e := &Entry{
		Message: protocol.Message{
			ID:        localID,
			ChatID:    chatID,
			SenderID:  s.selfID,
			Body:      body,
			Kind:      protocol.KindText,
			CreatedAt: time.Now().Unix(),
		},
		LocalID: localID,
		Pending: true,
		sentAt:  time.Now(),
	}

	s.mu.Lock()
	s.loaded[chatID] = true
	s.rooms[chatID] = append(s.rooms[chatID], e)
	s.pending[localID] = e
	s.mu.Unlock()

	return localID, nil
}

// MarkFailed flags a pending optimistic entry as failed. Failed entries are
// never silently dropped; the presentation layer renders them for retry.
func (s *Store) MarkFailed(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[localID]
	if !ok {
		return
	}
	delete(s.pending, localID)
	e.Pending = false
	e.Failed = true
}

// Ingest applies an authoritative broker message. Duplicate ids are silently
// discarded (the idempotence guarantee for an at-least-once channel). An echo
// of this client's own send replaces the oldest pending entry for the room in
// place, preserving its position.
func (s *Store) Ingest(msg protocol.Message) IngestResult {
	s.mu.Lock()
	result := s.ingestLocked(msg)
	s.mu.Unlock()

	metrics.IngestTotal.WithLabelValues(string(result)).Inc()
	return result
}

func (s *Store) ingestLocked(msg protocol.Message) IngestResult {
	if !s.loaded[msg.ChatID] {
		buf, ok := s.early[msg.ChatID]
		if !ok {
			buf = newEarlyBuffer()
			s.early[msg.ChatID] = buf
		}
		// The at-least-once channel redelivers across reconnects; a repeat
		// of a parked id is a duplicate, not a second arrival.
		if !buf.add(msg) {
			return ResultDuplicate
		}
		return ResultBuffered
	}

	if s.seenLocked(msg.ChatID, msg.ID) {
		return ResultDuplicate
	}

	// An echo of our own send reconciles against the oldest pending entry
	// for the room. Matching is by room + sender + submission order: the
	// local id never round-trips to the broker.
	if msg.SenderID != "" && msg.SenderID == s.selfID {
		if e := s.oldestPendingLocked(msg.ChatID); e != nil {
			delete(s.pending, e.LocalID)
			e.Message = msg
			e.Pending = false
			e.Failed = false
			s.markSeenLocked(msg.ChatID, msg.ID)
			if !e.sentAt.IsZero() {
				metrics.SendAckLatency.Observe(time.Since(e.sentAt).Seconds())
			}
			return ResultReconciled
		}
	}

	s.rooms[msg.ChatID] = append(s.rooms[msg.ChatID], &Entry{Message: msg})
	s.markSeenLocked(msg.ChatID, msg.ID)
	return ResultNew
}

// SetHistory seeds a room's sequence from a history fetch, marks the room
// loaded, and drains any messages that arrived while the fetch was in flight.
// Messages already present (by id) are skipped.
func (s *Store) SetHistory(chatID string, history []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded[chatID] = true

	// History goes in front of anything already appended (optimistic sends
	// made while the fetch was in flight).
	existing := s.rooms[chatID]
	seq := make([]*Entry, 0, len(history)+len(existing))
	for i := range history {
		msg := history[i]
		if s.seenLocked(chatID, msg.ID) {
			continue
		}
		seq = append(seq, &Entry{Message: msg})
		s.markSeenLocked(chatID, msg.ID)
	}
	s.rooms[chatID] = append(seq, existing...)

	if buf, ok := s.early[chatID]; ok {
		delete(s.early, chatID)
		for _, msg := range buf.drain() {
			s.ingestLocked(msg)
		}
	}
}

// HistoryLoaded reports whether the room's history fetch has completed.
func (s *Store) HistoryLoaded(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[chatID]
}

// ApplyEdit updates a message in place with its post-edit record.
func (s *Store) ApplyEdit(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rooms[msg.ChatID] {
		if e.Message.ID == msg.ID {
			e.Message = msg
			e.Message.Edited = true
			return
		}
	}
	// The edit may target a parked early-arrival message.
	if buf, ok := s.early[msg.ChatID]; ok {
		buf.update(msg)
	}
}

// ApplyDelete tombstones a message. The slot is kept so ordering survives;
// the Deleted flag tells the presentation layer to render it as removed.
func (s *Store) ApplyDelete(chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rooms[chatID] {
		if e.Message.ID == messageID {
			e.Message.Deleted = true
			return
		}
	}
	// The delete may target a parked early-arrival message; without this the
	// message would resurface un-tombstoned after the history merge.
	if buf, ok := s.early[chatID]; ok {
		buf.tombstone(messageID)
	}
}

// Messages returns a snapshot of the room's entries in sequence order.
func (s *Store) Messages(chatID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.rooms[chatID]
	out := make([]Entry, len(seq))
	for i, e := range seq {
		out[i] = *e
	}
	return out
}

func (s *Store) seenLocked(chatID, id string) bool {
	ids, ok := s.seen[chatID]
	if !ok {
		return false
	}
	_, ok = ids[id]
	return ok
}

func (s *Store) markSeenLocked(chatID, id string) {
	ids, ok := s.seen[chatID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[chatID] = ids
	}
	ids[id] = struct{}{}
}

// oldestPendingLocked returns the earliest pending entry in the room's
// sequence, or nil.
func (s *Store) oldestPendingLocked(chatID string) *Entry {
	for _, e := range s.rooms[chatID] {
		if e.Pending {
			return e
		}
	}
	return nil
}
