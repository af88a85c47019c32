package daemon

import "testing"

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		warn  bool
	}{
		{"debug", true, true},
		{"", false, true},
		{"error", false, false},
	}
	for _, tt := range tests {
		logger := NewLogger(LogConfig{Level: tt.level, Format: "json", Output: "stderr"})
		if got := logger.Core().Enabled(-1); got != tt.debug {
			t.Fatalf("%q: debug enabled = %v", tt.level, got)
		}
		if got := logger.Core().Enabled(1); got != tt.warn {
			t.Fatalf("%q: warn enabled = %v", tt.level, got)
		}
	}
}
