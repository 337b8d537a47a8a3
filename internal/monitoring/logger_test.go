package monitoring

import (
	"fmt"
	"testing"
)

func capture(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() {
		Logf = original
		SetDebug(false)
	})
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := capture(t)
	Logf("connected to %s", "EV3")
	if len(*lines) != 1 || (*lines)[0] != "connected to EV3" {
		t.Fatalf("lines = %q", *lines)
	}

	SetLogger(nil)
	Logf("dropped")
	if len(*lines) != 1 {
		t.Errorf("no-op logger forwarded a message: %q", *lines)
	}
}

func TestDebugf(t *testing.T) {
	lines := capture(t)

	Debugf("frame %d", 1)
	if len(*lines) != 0 {
		t.Fatalf("Debugf logged while off: %q", *lines)
	}

	SetDebug(true)
	if !Debugging() {
		t.Fatal("Debugging() = false after SetDebug(true)")
	}
	Debugf("frame %d", 2)
	if len(*lines) != 1 || (*lines)[0] != "frame 2" {
		t.Errorf("lines = %q", *lines)
	}
}

func TestPrefixed(t *testing.T) {
	lines := capture(t)
	logf := Prefixed("[emulator] ")
	logf("listening on %s", ":5555")
	if got := (*lines)[0]; got != "[emulator] listening on :5555" {
		t.Errorf("got %q", got)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
}
