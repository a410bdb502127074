package room

import "sync"

// Tracker records which rooms the client currently wants push events for.
// Subscriptions are a client-owned intent, not a server-owned fact: server
// subscription state is not assumed to survive a transport change, so the
// whole set is replayed on every transition into Connected.
type Tracker struct {
	mu     sync.Mutex
	order  []string
	member map[string]struct{}
}

// NewTracker creates an empty subscription tracker.
func NewTracker() *Tracker {
	return &Tracker{member: make(map[string]struct{})}
}

// Join records interest in a room. Returns false if the room was already
// joined; the record itself is idempotent either way.
func (t *Tracker) Join(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.member[chatID]; ok {
		return false
	}
	t.member[chatID] = struct{}{}
	t.order = append(t.order, chatID)
	return true
}

// Leave drops interest in a room. Returns false if the room was not joined.
func (t *Tracker) Leave(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.member[chatID]; !ok {
		return false
	}
	delete(t.member, chatID)
	for i, id := range t.order {
		if id == chatID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Joined reports whether the room is currently subscribed.
func (t *Tracker) Joined(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.member[chatID]
	return ok
}

// Rooms returns the subscribed room ids in join order.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Replay invokes send for every subscribed room in join order. It is called
// on every transition into Connected so join frames are re-sent before any
// other outbound traffic. Send errors abort the replay; the next reconnect
// replays the full set again.
func (t *Tracker) Replay(send func(chatID string) error) error {
	for _, id := range t.Rooms() {
		if err := send(id); err != nil {
			return err
		}
	}
	return nil
}
