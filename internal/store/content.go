package store

import (
	"bytes"
	"encoding/json"
)

// canonicalBlock re-encodes an opaque JSON block into a canonical byte form
// (object keys sorted, insignificant whitespace dropped) so equality is
// structural rather than textual.
func canonicalBlock(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// blocksEqual reports element-wise structural equality of two block lists.
func blocksEqual(a, b []json.RawMessage) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		ca, err := canonicalBlock(a[i])
		if err != nil {
			return false, err
		}
		cb, err := canonicalBlock(b[i])
		if err != nil {
			return false, err
		}
		if !bytes.Equal(ca, cb) {
			return false, nil
		}
	}
	return true, nil
}

// blocksPrefix reports whether existing is a strict prefix of incoming and,
// when it is, returns the remaining tail of incoming.
func blocksPrefix(existing, incoming []json.RawMessage) (tail []json.RawMessage, ok bool, err error) {
	if len(existing) >= len(incoming) {
		return nil, false, nil
	}
	eq, err := blocksEqual(existing, incoming[:len(existing)])
	if err != nil || !eq {
		return nil, false, err
	}
	return incoming[len(existing):], true, nil
}

// flattenBlocks concatenates the block lists of entries in order.
func flattenBlocks(entries []*Entry) []json.RawMessage {
	var out []json.RawMessage
	for _, e := range entries {
		out = append(out, e.Blocks...)
	}
	return out
}
