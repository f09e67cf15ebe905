package store

import (
	"encoding/json"
	"strings"
)

const maxInferredTitle = 40

// InferTitle derives a conversation title from the first textual block of the
// first entry: the first "text" field found, whitespace-normalized and
// truncated to 40 characters on a word boundary where possible. Returns ""
// when no textual block exists.
func InferTitle(blocks []json.RawMessage) string {
	for _, raw := range blocks {
		var block struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &block); err != nil {
			continue
		}
		if block.Text == "" {
			continue
		}
		title := strings.Join(strings.Fields(block.Text), " ")
		if len(title) <= maxInferredTitle {
			return title
		}
		cut := title[:maxInferredTitle]
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			return cut[:i]
		}
		return cut
	}
	return ""
}
