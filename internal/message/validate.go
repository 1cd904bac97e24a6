package message

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxTextLen is the maximum accepted outbound message length in characters.
const MaxTextLen = 4096

// ValidationError reports bad input to outbound message creation. It is
// surfaced to the caller and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// Sanitize strips HTML tags from user-entered text and trims whitespace.
func Sanitize(text string) string {
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(text, ""))
}

// ValidateText sanitizes and validates outbound message text. Returns the
// cleaned text, or a ValidationError if it is empty or too long.
func ValidateText(text string) (string, error) {
	cleaned := Sanitize(text)
	if cleaned == "" {
		return "", &ValidationError{Reason: "text is empty"}
	}
	if utf8.RuneCountInString(cleaned) > MaxTextLen {
		return "", &ValidationError{Reason: fmt.Sprintf("text exceeds %d characters", MaxTextLen)}
	}
	return cleaned, nil
}
