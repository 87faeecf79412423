package journal

import (
	"context"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Entry is one cleanup request and its result.
type Entry struct {
	Username  string   `json:"username"`
	Timestamp string   `json:"timestamp"`
	Raw       string   `json:"raw_transcript"`
	Cleaned   []string `json:"cleaned"`
}

// Journal records cleanup results.
type Journal interface {
	Append(ctx context.Context, e Entry) error
}

// SanitizeName keeps letters, digits, spaces, dots and underscores, and
// trims trailing spaces.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '.' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Multi appends to every journal in order. All journals are tried; the
// first failure is returned.
type Multi []Journal

func (m Multi) Append(ctx context.Context, e Entry) error {
	var first error
	for _, j := range m {
		if err := j.Append(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return errors.Wrap(first, "journal append")
}
