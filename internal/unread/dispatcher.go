// Package unread maintains per-room unread counters and fans out
// new-message notification events to the presentation layer.
package unread

import (
	"context"
	"log"
	"sync"

	"github.com/bazaar/market-chat/internal/metrics"
	"github.com/bazaar/market-chat/internal/protocol"
)

// SnippetRunes is the maximum length of the body excerpt carried in a
// notification event.
const SnippetRunes = 80

// Event is a new-message notification. It carries enough data for the
// presentation layer to render a toast/sound/badge without re-fetching.
type Event struct {
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Snippet  string `json:"snippet"`
	Unread   int    `json:"unread"`
}

// Notifier consumes notification events. Rendering is out of scope here.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// ReadMarker issues the mark-as-read call to the conversation API.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatID string) error
}

// Dispatcher owns the per-room unread counters. Counters for the currently
// active room stay at zero, and self-authored messages never notify.
type Dispatcher struct {
	selfID   string
	notifier Notifier
	marker   ReadMarker

	mu     sync.Mutex
	active string
	counts map[string]int
}

// NewDispatcher creates a Dispatcher. notifier may be nil if no presentation
// surface is attached; marker may be nil if reads are not reported upstream.
func NewDispatcher(selfID string, notifier Notifier, marker ReadMarker) *Dispatcher {
	return &Dispatcher{
		selfID:   selfID,
		notifier: notifier,
		marker:   marker,
		counts:   make(map[string]int),
	}
}

// SetActiveRoom declares which room the user is currently viewing. Messages
// for the active room do not count as unread and fire no notification.
func (d *Dispatcher) SetActiveRoom(chatID string) {
	d.mu.Lock()
	d.active = chatID
	d.mu.Unlock()
}

// Seed installs a server-reported unread count for a room, typically when
// the room list is first hydrated. A zero count clears the entry.
func (d *Dispatcher) Seed(chatID string, count int) {
	d.mu.Lock()
	if count <= 0 {
		delete(d.counts, chatID)
	} else {
		d.counts[chatID] = count
	}
	total := d.totalLocked()
	d.mu.Unlock()
	metrics.UnreadTotal.Set(float64(total))
}

// OnMessage processes a newly ingested authoritative message.
func (d *Dispatcher) OnMessage(msg protocol.Message) {
	// Self-authored messages never generate notifications.
	if msg.SenderID != "" && msg.SenderID == d.selfID {
		return
	}

	d.mu.Lock()
	if msg.ChatID == d.active {
		d.mu.Unlock()
		return
	}
	d.counts[msg.ChatID]++
	count := d.counts[msg.ChatID]
	total := d.totalLocked()
	d.mu.Unlock()

	metrics.UnreadTotal.Set(float64(total))
	metrics.NotificationsTotal.Inc()

	if d.notifier != nil {
		d.notifier.Notify(Event{
			ChatID:   msg.ChatID,
			SenderID: msg.SenderID,
			Snippet:  snippet(msg.Body),
			Unread:   count,
		})
	}
}

// MarkRead resets the room's counter and reports the read upstream. The
// local reset is not rolled back if the upstream call fails: read state is a
// responsiveness optimization, not a correctness-critical value.
func (d *Dispatcher) MarkRead(ctx context.Context, chatID string) {
	d.mu.Lock()
	delete(d.counts, chatID)
	total := d.totalLocked()
	d.mu.Unlock()
	metrics.UnreadTotal.Set(float64(total))

	if d.marker == nil {
		return
	}
	if err := d.marker.MarkRead(ctx, chatID); err != nil {
		log.Printf("unread: mark-read upstream call failed chat=%s: %v", chatID, err)
	}
}

// Count returns the unread counter for a room.
func (d *Dispatcher) Count(chatID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[chatID]
}

// Counts returns a snapshot of all non-zero unread counters.
func (d *Dispatcher) Counts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Clear drops the counter for a room (used when the room is removed).
func (d *Dispatcher) Clear(chatID string) {
	d.mu.Lock()
	delete(d.counts, chatID)
	total := d.totalLocked()
	d.mu.Unlock()
	metrics.UnreadTotal.Set(float64(total))
}

func (d *Dispatcher) totalLocked() int {
	total := 0
	for _, v := range d.counts {
		total += v
	}
	return total
}

// snippet truncates a message body for notification payloads.
func snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= SnippetRunes {
		return body
	}
	return string(runes[:SnippetRunes])
}
