package tokens

import "testing"

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 0},
		{"abcd", 1},
		{"twelve chars", 3},
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestCount_NonEmptyText(t *testing.T) {
	got := Count("The quick brown fox jumps over the lazy dog.")
	if got <= 0 {
		t.Errorf("expected positive count, got %d", got)
	}
}

func TestCount_Deterministic(t *testing.T) {
	a := Count("hello world")
	b := Count("hello world")
	if a != b {
		t.Errorf("counts differ across calls: %d vs %d", a, b)
	}
}
