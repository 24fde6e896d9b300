package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Console: &buf, NoColor: true})

	l.Info("poll finished", "cycle", 3, "availability", "UNAVAILABLE")

	out := buf.String()
	if !strings.Contains(out, "poll finished") {
		t.Errorf("Expected message in output, got %q", out)
	}
	if !strings.Contains(out, "cycle=3") {
		t.Errorf("Expected cycle field in output, got %q", out)
	}
}

func TestDebugRequiresVerbose(t *testing.T) {
	var quiet, loud bytes.Buffer

	New(Options{Console: &quiet, NoColor: true}).Debug("hidden")
	New(Options{Console: &loud, NoColor: true, Verbose: true}).Debug("shown")

	if quiet.Len() != 0 {
		t.Errorf("Expected debug entry to be suppressed, got %q", quiet.String())
	}
	if !strings.Contains(loud.String(), "shown") {
		t.Errorf("Expected debug entry when verbose, got %q", loud.String())
	}
}

func TestWithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Console: &buf, NoColor: true}).With("run", "abc123")

	l.Warn("recovering")

	if !strings.Contains(buf.String(), "run=abc123") {
		t.Errorf("Expected run field on child logger output, got %q", buf.String())
	}
}

func TestOddKeyValueCount(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Console: &buf, NoColor: true})

	// must not panic or drop the message
	l.Error("dangling", "key")

	if !strings.Contains(buf.String(), "dangling") {
		t.Errorf("Expected message despite odd kv list, got %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dropwatch.log")

	var console bytes.Buffer
	l := New(Options{Console: &console, NoColor: true, File: path})
	l.Info("to file", "cycle", 1)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to file"`) {
		t.Errorf("Expected JSON entry in log file, got %q", string(data))
	}
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored", "k", "v")
	if l.With("a", 1) == nil {
		t.Error("Expected With on nop logger to return a logger")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Expected nil from nop Close, got %v", err)
	}
}

type secretThing struct {
	Token string
}

func (secretThing) String() string { return "secret(<redacted>)" }

func TestStringerValuesUseStringMethod(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Console: &buf, NoColor: true})

	l.Info("state", "thing", secretThing{Token: "abc-123-token"})

	out := buf.String()
	if strings.Contains(out, "abc-123-token") {
		t.Errorf("Expected token to stay out of the log, got %q", out)
	}
	if !strings.Contains(out, "secret(<redacted>)") {
		t.Errorf("Expected String() form in output, got %q", out)
	}
}
