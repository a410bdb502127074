// Package typing tracks which users are currently typing in each room.
// Typing state is purely ephemeral: every indicator is time-boxed and nothing
// is persisted.
package typing

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a typing indicator lives without a refresh.
const DefaultTTL = 3 * time.Second

// Coordinator holds per-room typing sets with auto-expiry. An inbound
// isTyping=true starts or refreshes the user's expiry deadline; expiry or an
// explicit isTyping=false removes the user. The clock is injectable so tests
// run without real delays.
type Coordinator struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]time.Time // chatID -> userID -> deadline
}

// NewCoordinator creates a Coordinator with the default TTL and wall clock.
func NewCoordinator() *Coordinator {
	return NewCoordinatorWithClock(DefaultTTL, time.Now)
}

// NewCoordinatorWithClock creates a Coordinator with an explicit TTL and
// clock function.
func NewCoordinatorWithClock(ttl time.Duration, now func() time.Time) *Coordinator {
	return &Coordinator{
		ttl:   ttl,
		now:   now,
		rooms: make(map[string]map[string]time.Time),
	}
}

// Set applies an inbound typing indicator for a user in a room. Only the
// addressed room is touched; typing is never suppressed for the locally
// active room.
func (c *Coordinator) Set(chatID, userID string, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	users, ok := c.rooms[chatID]
	if !isTyping {
		if ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(c.rooms, chatID)
			}
		}
		return
	}

	if !ok {
		users = make(map[string]time.Time)
		c.rooms[chatID] = users
	}
	users[userID] = c.now().Add(c.ttl)
}

// Users returns the users currently typing in a room, pruning expired
// entries. The result is sorted for deterministic rendering.
func (c *Coordinator) Users(chatID string) []string {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	users, ok := c.rooms[chatID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(users))
	for id, deadline := range users {
		if deadline.After(now) {
			out = append(out, id)
		} else {
			delete(users, id)
		}
	}
	if len(users) == 0 {
		delete(c.rooms, chatID)
	}

	sort.Strings(out)
	return out
}

// Clear drops all typing state for a room (used when the room is removed).
func (c *Coordinator) Clear(chatID string) {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
}
