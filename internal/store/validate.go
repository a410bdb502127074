package store

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxBodyChars    = 2000 // max character count
)

// ValidateBody checks that an outbound message body meets content
// requirements before the optimistic append.
func ValidateBody(body string) error {
	if len(body) == 0 {
		return fmt.Errorf("message body is empty")
	}
	if len(body) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("message exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
