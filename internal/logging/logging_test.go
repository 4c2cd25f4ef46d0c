package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewWithWriter_JSONIncludesSession(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "debug", Format: "json"})

	ctx := ContextWithSession(context.Background(), "sess-1")
	log.With(String("component", "sim")).Info(ctx, "tick",
		Int("peers", 3),
		Float64("load", 0.5),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	checks := map[string]any{
		"msg":        "tick",
		"session_id": "sess-1",
		"component":  "sim",
		"peers":      float64(3),
		"load":       0.5,
		"error":      "boom",
	}
	for k, want := range checks {
		if rec[k] != want {
			t.Fatalf("field %q = %v, want %v", k, rec[k], want)
		}
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "warn"})

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn message missing: %q", out)
	}
}

func TestEnsureSession(t *testing.T) {
	ctx, id := EnsureSession(context.Background())
	if id == "" {
		t.Fatalf("EnsureSession() returned empty id")
	}
	again, id2 := EnsureSession(ctx)
	if id2 != id || SessionFromContext(again) != id {
		t.Fatalf("EnsureSession() changed an existing id: %q -> %q", id, id2)
	}
}

func TestSessionIsLogged(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Format: "json"})
	ctx := ContextWithSession(context.Background(), "s-7")
	log.Info(ctx, "tick", String(sessionField, "ignored"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry[sessionField] != "s-7" {
		t.Fatalf("session_id = %v, want s-7", entry[sessionField])
	}
	if SessionFromContext(context.Background()) != "" {
		t.Fatalf("SessionFromContext() on empty context should be empty")
	}
}
