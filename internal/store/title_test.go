package store

import (
	"encoding/json"
	"testing"
)

func TestInferTitle(t *testing.T) {
	tests := []struct {
		name   string
		blocks []json.RawMessage
		want   string
	}{
		{
			name:   "no blocks",
			blocks: nil,
			want:   "",
		},
		{
			name:   "non-textual block",
			blocks: []json.RawMessage{json.RawMessage(`{"type":"image","url":"x"}`)},
			want:   "",
		},
		{
			name:   "plain text",
			blocks: textBlocks("plan the launch"),
			want:   "plan the launch",
		},
		{
			name:   "whitespace normalized",
			blocks: textBlocks("  plan\n\tthe   launch  "),
			want:   "plan the launch",
		},
		{
			name:   "skips blocks without text",
			blocks: append([]json.RawMessage{json.RawMessage(`{"type":"image"}`)}, textBlocks("found it")...),
			want:   "found it",
		},
		{
			name:   "truncated on a word boundary",
			blocks: textBlocks("a very long conversation title that keeps going on"),
			want:   "a very long conversation title that",
		},
		{
			name:   "hard cut when no boundary exists",
			blocks: textBlocks("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			want:   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferTitle(tc.blocks); got != tc.want {
				t.Errorf("InferTitle = %q, want %q", got, tc.want)
			}
		})
	}
}
