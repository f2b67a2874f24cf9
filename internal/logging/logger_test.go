package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input string
		want  zapcore.Level
		known bool
	}{
		{input: "debug", want: zapcore.DebugLevel, known: true},
		{input: " INFO ", want: zapcore.InfoLevel, known: true},
		{input: "", want: zapcore.InfoLevel, known: true},
		{input: "warning", want: zapcore.WarnLevel, known: true},
		{input: "error", want: zapcore.ErrorLevel, known: true},
		{input: "verbose", want: zapcore.InfoLevel, known: false},
	}
	for _, testCase := range testCases {
		got, known := ParseLevel(testCase.input)
		if got != testCase.want || known != testCase.known {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v,%v", testCase.input, got, known, testCase.want, testCase.known)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error to be enabled at warn level")
	}
}
