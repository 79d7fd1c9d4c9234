package ui

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRelativeTime(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "never"},
		{"seconds", now.Add(-10 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5m ago"},
		{"hours", now.Add(-3 * time.Hour), "3h ago"},
		{"days", now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RelativeTime(tt.t); got != tt.want {
				t.Errorf("RelativeTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShortenPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	if got := ShortenPath(filepath.Join(home, "fleet")); got != "~"+string(os.PathSeparator)+"fleet" {
		t.Errorf("ShortenPath(home/fleet) = %q", got)
	}
	if got := ShortenPath(home); got != "~" {
		t.Errorf("ShortenPath(home) = %q, want ~", got)
	}
	if got := ShortenPath("/tmp/elsewhere"); got != "/tmp/elsewhere" {
		t.Errorf("ShortenPath(non-home) = %q, want unchanged", got)
	}
	// A sibling of home must not be shortened.
	if got := ShortenPath(home + "stead"); got != home+"stead" {
		t.Errorf("ShortenPath(home-prefix sibling) = %q, want unchanged", got)
	}
}
