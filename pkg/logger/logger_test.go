package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLeveledHandlerGating(t *testing.T) {
	log := Leveled("plugin.test", slog.LevelWarn)
	ctx := t.Context()

	if log.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("info should be dropped below the warn floor")
	}
	if !log.Enabled(ctx, slog.LevelWarn) {
		t.Fatal("warn should pass the floor")
	}
	if !log.Enabled(ctx, slog.LevelError) {
		t.Fatal("error should pass the floor")
	}
}

func TestGlobalsSelfInitialise(t *testing.T) {
	if L() == nil {
		t.Fatal("L must never return nil")
	}
	if Audit() == nil {
		t.Fatal("Audit must never return nil")
	}
	if Named("component") == nil {
		t.Fatal("Named must never return nil")
	}
}
