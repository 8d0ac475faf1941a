package tokens

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"a", 1},
		{"one two three", 3},
		{strings.Repeat("x", 40), 10},
	}
	for _, tt := range tests {
		if got := Estimate(tt.in); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCount(t *testing.T) {
	if Count("") != 0 {
		t.Error("empty text should count 0")
	}
	short := Count("hello world")
	long := Count(strings.Repeat("hello world ", 50))
	if short <= 0 || long <= short {
		t.Errorf("Count() short=%d long=%d", short, long)
	}
}

func TestTruncate(t *testing.T) {
	text := strings.Repeat("the quick brown fox ", 200)

	if got := Truncate(text, 0); got != text {
		t.Error("non-positive limit should not truncate")
	}
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}

	got := Truncate(text, 50)
	if !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("missing marker: %q", got[len(got)-20:])
	}
	if Count(strings.TrimSuffix(got, "\n[truncated]")) > 60 {
		t.Errorf("truncated text still has %d tokens", Count(got))
	}
}
