package protocol

import (
	"reflect"
	"testing"
)

func TestLineBufferSplitAcrossFeeds(t *testing.T) {
	var b LineBuffer

	got := b.Feed("{\"a\":1}\n{\"b\":2")
	if want := []string{`{"a":1}`}; !reflect.DeepEqual(got, want) {
		t.Errorf("first feed = %v, want %v", got, want)
	}

	got = b.Feed("}\n")
	if want := []string{`{"b":2}`}; !reflect.DeepEqual(got, want) {
		t.Errorf("second feed = %v, want %v", got, want)
	}
}

func TestLineBufferMultipleRecordsOneFeed(t *testing.T) {
	var b LineBuffer
	got := b.Feed("{\"a\":1}\n{\"b\":2}\n{\"c\":3}\n")
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLineBufferNoDelimiter(t *testing.T) {
	var b LineBuffer
	if got := b.Feed(`{"a":`); got != nil {
		t.Errorf("partial fragment yielded %v, want nil", got)
	}
	if got := b.Feed(`1}`); got != nil {
		t.Errorf("partial fragment yielded %v, want nil", got)
	}
	got := b.Feed("\n")
	if want := []string{`{"a":1}`}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLineBufferStripsNoisePrefix(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"escape sequence prefix", "\x1b[2K\x1b[1G{\"type\":\"assistant\"}\n", []string{`{"type":"assistant"}`}},
		{"escape inside prompt text", "\x1b[31merr\x1b[0m $ {\"ok\":true}\n", []string{`{"ok":true}`}},
		{"prompt text prefix", "$ [1,2,3]\n", []string{`[1,2,3]`}},
		{"pure noise dropped", "\x1b[0m ready\n", nil},
		{"unterminated escape dropped", "\x1b[12\n", nil},
		{"bare escape byte dropped", "\x1bM done\n", nil},
		{"empty line dropped", "\n", nil},
		{"whitespace only dropped", "   \t\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b LineBuffer
			got := b.Feed(tt.line)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestLineBufferReset(t *testing.T) {
	var b LineBuffer
	b.Feed(`{"partial":`)
	b.Reset()
	got := b.Feed("{\"fresh\":1}\n")
	if want := []string{`{"fresh":1}`}; !reflect.DeepEqual(got, want) {
		t.Errorf("after reset got %v, want %v", got, want)
	}
}
