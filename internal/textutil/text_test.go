package textutil

import (
	"errors"
	"testing"
)

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		input    string
		maxRunes int
		want     string
	}{
		{"Hello", 10, "Hello"},
		{"Hello", 5, "Hello"},
		{"Hello World", 8, "Hello..."},
		{"", 5, ""},
		{"Hello", 0, ""},
		{"Hello", 3, "Hel"},
		{"Hello", 4, "H..."},
		{"你好世界", 4, "你好世界"},
		{"你好世界！", 4, "你..."},
		{"Hello 👋 World", 9, "Hello ..."},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.input, tt.maxRunes); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.input, tt.maxRunes, got, tt.want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Hello World", "Hello World"},
		{"First\nSecond\nThird", "First"},
		{"First\r\nSecond", "First"},
		{"\n\nafter blanks\nmore", "after blanks"},
		{"", ""},
		{"\n", ""},
	}
	for _, tt := range tests {
		if got := FirstLine(tt.input); got != tt.want {
			t.Errorf("FirstLine(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestErrorSummary(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		maxRunes int
		want     string
	}{
		{"nil", nil, 10, ""},
		{"single line", errors.New("list failed"), 0, "list failed"},
		{"multi line", errors.New("auth failed\nbody: {...}"), 0, "auth failed"},
		{"truncated", errors.New("server error (503)"), 10, "server ..."},
		{"invalid utf8", errors.New("bad \xff byte"), 0, "bad � byte"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorSummary(tt.err, tt.maxRunes); got != tt.want {
				t.Errorf("ErrorSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}
