package log

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetOutput_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")
	defer SetOutput(&bytes.Buffer{}, "disabled")

	Graph.Info().Uint64("height", 7).Msg("inserted")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["component"] != "graph" {
		t.Errorf("component = %v, want graph", line["component"])
	}
	if line["height"] != float64(7) {
		t.Errorf("height = %v, want 7", line["height"])
	}
}

func TestSetOutput_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn")
	defer SetOutput(&bytes.Buffer{}, "disabled")

	Fork.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %q", buf.String())
	}
	Fork.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("warn line missing")
	}
}

func TestInit_File(t *testing.T) {
	path := t.TempDir() + "/chainstate.log"
	if err := Init("info", true, path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer SetOutput(&bytes.Buffer{}, "disabled")

	Retention.Info().Uint64("fossil", 12).Msg("Fossil raised")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("file line is not JSON: %v (%q)", err, data)
	}
	if line["component"] != "retention" || line["fossil"] != float64(12) {
		t.Errorf("unexpected line: %v", line)
	}
}
