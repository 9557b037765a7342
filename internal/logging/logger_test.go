package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be suppressed at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error level to be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"  info  ", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, testCase := range cases {
		if got := parseLevel(testCase.input); got != testCase.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", testCase.input, got, testCase.want)
		}
	}
}
