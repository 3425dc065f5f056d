package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if ValidLevel("verbose") {
		t.Error("ValidLevel(verbose) = true")
	}
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "ftserv", "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown", "transfer_id", "t1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message logged at warn level: %s", out)
	}
	for _, want := range []string{"msg=shown", "app=ftserv", "transfer_id=t1", "pid="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "ft", "debug", "json").Debug("frame", "seq", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if rec["app"] != "ft" || rec["msg"] != "frame" || rec["seq"] != float64(3) {
		t.Fatalf("record = %v", rec)
	}
}
