package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
)

// ValidateShape checks that all four fields are present and that the content
// meets the size and encoding limits. Every failure wraps ErrInvalidFormat.
func ValidateShape(m Message) error {
	if m.From == "" || m.To == "" || m.Content == "" || m.Timestamp == 0 {
		return fmt.Errorf("%w: missing field", ErrInvalidFormat)
	}
	if len(m.Content) > MaxMessageBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidFormat, MaxMessageBytes)
	}
	if !utf8.ValidString(m.Content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidFormat)
	}
	if utf8.RuneCountInString(m.Content) > MaxTextChars {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidFormat, MaxTextChars)
	}
	return nil
}
