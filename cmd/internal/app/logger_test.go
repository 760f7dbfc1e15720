package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var jsonOut bytes.Buffer
	newLogger(&jsonOut, "info", "json", false).Info("room.hydrate", "doc_id", "doc-1", "version", 7)
	var rec map[string]any
	if err := json.Unmarshal(jsonOut.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", jsonOut.String(), err)
	}
	if rec["msg"] != "room.hydrate" || rec["doc_id"] != "doc-1" {
		t.Fatalf("record=%v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatalf("record has no source: %v", rec)
	}

	var prettyOut bytes.Buffer
	newLogger(&prettyOut, "info", "pretty", false).Info("room.hydrate", "doc_id", "doc-1")
	if got := prettyOut.String(); !strings.Contains(got, "msg=room.hydrate") || !strings.Contains(got, "doc_id=doc-1") {
		t.Fatalf("pretty output=%q", got)
	}

	var filtered bytes.Buffer
	newLogger(&filtered, "warn", "json", false).Info("dropped")
	if filtered.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", filtered.String())
	}
}
