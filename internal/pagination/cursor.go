// Package pagination provides opaque cursors for list endpoints.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/dealroom/internal/apperr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var ErrInvalidCursor = apperr.New(apperr.Validation, "invalid cursor")

// Cursor is a position in a (created_at DESC, id DESC) ordered result set.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("t|%d|%s", createdAt.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor produced by Encode. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	parts, err := split(s, "t", 3)
	if err != nil {
		return nil, err
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}

// EncodeSeq returns an opaque cursor for sequence-ordered results.
func EncodeSeq(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("s|" + strconv.FormatInt(seq, 10)))
}

// DecodeSeq parses a cursor produced by EncodeSeq. Returns 0 for empty input.
func DecodeSeq(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	parts, err := split(s, "s", 2)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq <= 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

func split(s, tag string, n int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", n)
	if len(parts) != n || parts[0] != tag {
		return nil, ErrInvalidCursor
	}
	return parts, nil
}

// Limit parses a limit query value, falling back to DefaultLimit and
// capping at MaxLimit.
func Limit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Clamp bounds a service-level limit the same way Limit bounds a query
// value.
func Clamp(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (createdAt, id) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := extractKey(items[len(items)-1])
	return items, Encode(createdAt, id), true
}

// ComputeSeqPage is ComputePage for sequence-ordered results.
func ComputeSeqPage[T any](items []T, limit int, seqOf func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, EncodeSeq(seqOf(items[len(items)-1])), true
}
