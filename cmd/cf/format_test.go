package main

import "testing"

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "-"},
		{-5, "-"},
		{42_000, "42s"},
		{60_000, "1m"},
		{3_600_000, "1h"},
		{90_061_000, "1d 1h 1m"},
		{2 * 86_400_000, "2d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.ms); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{0, "[..........]"},
		{50, "[#####.....]"},
		{100, "[##########]"},
		{150, "[##########]"},
		{-3, "[..........]"},
	}
	for _, tt := range tests {
		if got := progressBar(tt.pct, 10); got != tt.want {
			t.Errorf("progressBar(%v) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}

func TestDash(t *testing.T) {
	if dash("") != "-" || dash("x") != "x" {
		t.Error("dash")
	}
}
