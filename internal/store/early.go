package store

import "github.com/bazaar/market-chat/internal/protocol"

// MaxEarlyMessages is the number of early-arrival messages retained per room
// while its history fetch is in flight. Older entries are overwritten; the
// history fetch itself supplies anything that falls off.
const MaxEarlyMessages = 50

// earlyBuffer is a fixed-size circular buffer of messages that arrived for a
// room before its history load completed. Surfacing them immediately would
// show a single message ahead of its context.
type earlyBuffer struct {
	items []protocol.Message
	pos   int
	count int
}

func newEarlyBuffer() *earlyBuffer {
	return &earlyBuffer{items: make([]protocol.Message, MaxEarlyMessages)}
}

// add appends a message, overwriting the oldest once full. It reports false
// when the id is already parked, so a redelivered push is not buffered twice.
func (b *earlyBuffer) add(msg protocol.Message) bool {
	start := (b.pos - b.count + MaxEarlyMessages) % MaxEarlyMessages
	for i := 0; i < b.count; i++ {
		if b.items[(start+i)%MaxEarlyMessages].ID == msg.ID {
			return false
		}
	}
	b.items[b.pos] = msg
	b.pos = (b.pos + 1) % MaxEarlyMessages
	if b.count < MaxEarlyMessages {
		b.count++
	}
	return true
}

// update replaces a parked message that shares the given id.
func (b *earlyBuffer) update(msg protocol.Message) {
	start := (b.pos - b.count + MaxEarlyMessages) % MaxEarlyMessages
	for i := 0; i < b.count; i++ {
		idx := (start + i) % MaxEarlyMessages
		if b.items[idx].ID == msg.ID {
			b.items[idx] = msg
			b.items[idx].Edited = true
			return
		}
	}
}

// tombstone flags a parked message as deleted.
func (b *earlyBuffer) tombstone(messageID string) {
	start := (b.pos - b.count + MaxEarlyMessages) % MaxEarlyMessages
	for i := 0; i < b.count; i++ {
		idx := (start + i) % MaxEarlyMessages
		if b.items[idx].ID == messageID {
			b.items[idx].Deleted = true
			return
		}
	}
}

// drain returns the parked messages in arrival order (oldest first).
func (b *earlyBuffer) drain() []protocol.Message {
	out := make([]protocol.Message, b.count)
	start := (b.pos - b.count + MaxEarlyMessages) % MaxEarlyMessages
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(start+i)%MaxEarlyMessages]
	}
	b.count = 0
	b.pos = 0
	return out
}
