// Package room holds the client-side view of conversation rooms and the
// subscription bookkeeping for the broker connection.
package room

import (
	"sort"
	"sync"
)

// Room kind values. Marketplace conversations are always anchored to a
// listing, a transaction, or a platform workflow.
const (
	KindListing     = "listing"
	KindTransaction = "transaction"
	KindSupport     = "support"
	KindDispute     = "dispute"
)

// Room lifecycle status values.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Room is a conversation scope: its participants plus a cached preview of the
// last message for list rendering. Unread counters live in the unread
// dispatcher, not here.
type Room struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Status        string   `json:"status"`
	Participants  []string `json:"participants"`
	LastMessage   string   `json:"last_message,omitempty"`
	LastMessageAt int64    `json:"last_message_at,omitempty"`
}

// List is the goroutine-safe local room registry. Rooms are created when the
// user opens or is invited to a conversation and removed only by explicit
// Remove, never implicitly.
type List struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewList creates an empty room registry.
func NewList() *List {
	return &List{rooms: make(map[string]*Room)}
}

// Upsert inserts the room or replaces the stored copy.
func (l *List) Upsert(r Room) {
	l.mu.Lock()
	cp := r
	cp.Participants = append([]string(nil), r.Participants...)
	l.rooms[r.ID] = &cp
	l.mu.Unlock()
}

// Get returns a copy of the room, and whether it exists.
func (l *List) Get(id string) (Room, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rooms[id]
	if !ok {
		return Room{}, false
	}
	return l.snapshot(r), true
}

// Remove deletes the room from the local registry. This is the only way a
// room leaves the list.
func (l *List) Remove(id string) {
	l.mu.Lock()
	delete(l.rooms, id)
	l.mu.Unlock()
}

// SetPreview updates the cached last-message snippet for list rendering.
func (l *List) SetPreview(id, snippet string, ts int64) {
	l.mu.Lock()
	if r, ok := l.rooms[id]; ok {
		r.LastMessage = snippet
		r.LastMessageAt = ts
	}
	l.mu.Unlock()
}

// AddParticipant appends a user to the room's participant set if not already
// present.
func (l *List) AddParticipant(id, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[id]
	if !ok {
		return
	}
	for _, p := range r.Participants {
		if p == userID {
			return
		}
	}
	r.Participants = append(r.Participants, userID)
}

// RemoveParticipant removes a user from the room's participant set.
func (l *List) RemoveParticipant(id, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rooms[id]
	if !ok {
		return
	}
	for i, p := range r.Participants {
		if p == userID {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return
		}
	}
}

// Rooms returns a snapshot of all rooms ordered by most recent activity.
func (l *List) Rooms() []Room {
	l.mu.RLock()
	out := make([]Room, 0, len(l.rooms))
	for _, r := range l.rooms {
		out = append(out, l.snapshot(r))
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// snapshot copies a room so callers never share the internal slice.
func (l *List) snapshot(r *Room) Room {
	cp := *r
	cp.Participants = append([]string(nil), r.Participants...)
	return cp
}
