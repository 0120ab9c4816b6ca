package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "hlog", LevelWarn)

	l.Debugf("debug message")
	l.Infof("info message")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/info suppressed at warn level, got %q", buf.String())
	}

	l.Warnf("warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Fatalf("expected warn message logged, got %q", buf.String())
	}

	l.Errorf("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Fatalf("expected error message logged, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"":        LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	l := NewNop()
	l.Debugf("x")
	l.Infof("x")
	l.Warnf("x")
	l.Errorf("x")
}
