package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Cursor is an opaque pagination position over the (createdAt, id) entry
// order. Format: base64url("<created_at_ms>|<uuid>").
type Cursor struct {
	Ms int64
	ID uuid.UUID
}

// CursorFromEntry positions a cursor just after the given entry.
func CursorFromEntry(e *Entry) Cursor {
	return Cursor{Ms: e.CreatedAt.UnixMilli(), ID: e.ID}
}

// EncodeCursor renders a cursor for the wire. The zero cursor encodes to "".
func EncodeCursor(c Cursor) string {
	if c.Ms == 0 && c.ID == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a wire cursor. Returns the zero cursor and false for
// empty or malformed input.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	ms, idStr, ok := strings.Cut(string(b), "|")
	if !ok {
		return Cursor{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{Ms: n, ID: id}, true
}
