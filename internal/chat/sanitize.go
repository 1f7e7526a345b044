package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxContentLength is the longest message, in characters, the backend
// accepts.
const MaxContentLength = 4096

var (
	ErrEmpty   = errors.New("chat: message is empty")
	ErrTooLong = fmt.Errorf("chat: message exceeds %d characters", MaxContentLength)
)

// Sanitize trims content and strips NUL bytes. It rejects messages that end
// up empty or longer than MaxContentLength.
func Sanitize(content string) (string, error) {
	text := strings.TrimSpace(strings.ReplaceAll(content, "\x00", ""))
	if text == "" {
		return "", ErrEmpty
	}
	if utf8.RuneCountInString(text) > MaxContentLength {
		return "", ErrTooLong
	}
	return text, nil
}
