package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogWritesSortedFieldsAboveMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "kioskops-test", LevelInfo)

	l.Info("enqueue accepted", F("type", "SCAN"), F("id", "abc123"))

	var ev event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if ev.Level != LevelInfo || ev.Msg != "enqueue accepted" || ev.Service != "kioskops-test" {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	if len(ev.Fields) != 2 || ev.Fields[0].K != "id" || ev.Fields[1].K != "type" {
		t.Fatalf("expected fields sorted by key, got %+v", ev.Fields)
	}
}

func TestLogSuppressesBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "kioskops-test", LevelWarn)

	l.Debug("noisy")
	l.Info("still noisy")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below min level, got %q", buf.String())
	}

	l.Warn("heads up")
	if buf.Len() == 0 {
		t.Fatal("expected output at min level")
	}
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	// Nop must tolerate being called like any other *Logger without panicking.
	Nop.Error("should vanish", F("k", "v"))
}

func TestSanitizeStripsControlCharsAndTruncates(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "svc", LevelInfo)

	l.Info("msg with \x00 control \x1f chars")
	if strings.ContainsAny(buf.String(), "\x00\x1f") {
		t.Fatalf("control characters leaked into log output: %q", buf.String())
	}

	long := strings.Repeat("x", maxValLen+100)
	buf.Reset()
	l.Info("bounded field", F("k", long))
	var ev event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ev.Fields) != 1 || len(ev.Fields[0].V) != maxValLen {
		t.Fatalf("expected field value truncated to %d bytes, got %d", maxValLen, len(ev.Fields[0].V))
	}
}

func TestFHelperRendersErrorsAndStructsAsStrings(t *testing.T) {
	f := F("err", errString("boom"))
	if f.V != "boom" {
		t.Fatalf("expected error rendered via Error(), got %q", f.V)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
