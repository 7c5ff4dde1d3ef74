// Package validate implements the message validation collaborator: local
// sanitization before any network attempt, plus a per-sender rate limit.
package validate

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pedrolmn/chatlink/internal/chat"
)

// Validator checks and sanitizes outbound content. Given raw content it
// returns either the sanitized string or a rejection.
type Validator interface {
	Sanitize(content string) (string, error)
}

// RateLimiter gates send frequency per sender identity.
type RateLimiter interface {
	// Allow reports whether senderID may send now. When it may not, the
	// returned duration is the retry-after hint.
	Allow(senderID string) (retryAfter time.Duration, ok bool)
}

// Text is the default Validator: trims whitespace, strips control
// characters, enforces UTF-8 validity and a length cap.
type Text struct {
	// MaxLength caps the sanitized content in runes. Zero selects 500.
	MaxLength int
}

// NewText creates a text validator with the given rune cap.
func NewText(maxLength int) *Text {
	if maxLength <= 0 {
		maxLength = 500
	}
	return &Text{MaxLength: maxLength}
}

// Sanitize returns the cleaned content or a taxonomy error. It never
// performs network I/O.
func (t *Text) Sanitize(content string) (string, error) {
	if !utf8.ValidString(content) {
		return "", chat.Errorf(chat.KindMessageInvalid, "content is not valid UTF-8")
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, content)
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return "", chat.Errorf(chat.KindMessageInvalid, "content is empty after sanitization")
	}
	if n := utf8.RuneCountInString(cleaned); n > t.MaxLength {
		return "", chat.Errorf(chat.KindMessageTooLong, "message is %d characters, limit is %d", n, t.MaxLength)
	}
	return cleaned, nil
}
