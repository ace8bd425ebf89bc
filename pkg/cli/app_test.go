package cli

import (
	"log/slog"
	"testing"
)

func TestNewAppCommands(t *testing.T) {
	app := NewApp()
	want := map[string]bool{"run": false, "scenarios": false, "serve": false}
	for _, cmd := range app.Commands {
		if _, ok := want[cmd.Name]; ok {
			want[cmd.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestDemoScenarios(t *testing.T) {
	scenarios := demoScenarios()
	if len(scenarios) != 5 {
		t.Fatalf("scenarios = %d, want 5", len(scenarios))
	}
	for _, sc := range scenarios {
		if sc.Name == "" || sc.Query == "" {
			t.Errorf("incomplete scenario %+v", sc)
		}
	}
	if scenarios[0].CustomerID == nil || *scenarios[0].CustomerID != 5 {
		t.Errorf("first scenario customer id = %v, want 5", scenarios[0].CustomerID)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		logger := newLogger(tt.level)
		if !logger.Enabled(nil, tt.want) {
			t.Errorf("newLogger(%q) does not enable %v", tt.level, tt.want)
		}
		if tt.want != slog.LevelDebug && logger.Enabled(nil, tt.want-4) {
			t.Errorf("newLogger(%q) enables %v", tt.level, tt.want-4)
		}
	}
}
