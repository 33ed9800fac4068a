package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "engine"))
	log.Info("granted", Int64("proxy_id", 7), Bool("new", true))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "engine" {
		t.Fatalf("comp = %v, want engine", m["comp"])
	}
	if m["proxy_id"] != float64(7) {
		t.Fatalf("proxy_id = %v, want 7", m["proxy_id"])
	}
	if m["message"] != "granted" {
		t.Fatalf("message = %v, want granted", m["message"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q, want logx_test.go:<line>", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "WARN")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at WARN level: %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestFormatTelegramLine(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"store retry","attempt":2,"comp":"storage"}`)
	got := formatTelegramLine(line)
	want := "[WARN] store retry\n- attempt=2\n- comp=storage"
	if got != want {
		t.Fatalf("formatTelegramLine = %q, want %q", got, want)
	}
	if got := formatTelegramLine([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " WARNING ": LevelWarn, "error": LevelError, "bogus": LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
