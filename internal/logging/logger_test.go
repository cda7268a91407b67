package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// readRecords parses a JSONL log file into records, skipping malformed lines.
func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var records []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var r map[string]any
		if err := json.Unmarshal(line, &r); err == nil {
			records = append(records, r)
		}
	}
	return records
}

func TestInitWritesJSONLToLogDir(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	if len(records) == 0 {
		t.Fatal("expected at least one record")
	}
	if records[0]["msg"] != "test_message" {
		t.Errorf("expected msg=test_message, got %v", records[0]["msg"])
	}
	if records[0]["key"] != "value" {
		t.Errorf("expected key=value, got %v", records[0]["key"])
	}
}

func TestInitDiscardsWithoutOutputs(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	// Should not panic
	Logger().Info("this goes nowhere")
	ForComponent(CompAPI).Warn("neither does this")
}

func TestLoggerBeforeInit(t *testing.T) {
	Shutdown()
	if Logger() == nil {
		t.Fatal("expected non-nil logger before Init")
	}
}

func TestForComponentResolvesLateInit(t *testing.T) {
	Shutdown()
	cl := ForComponent(CompOrchestrator)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	cl.Info("state_transition", "from", "starting", "to", "running")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0]["component"] != CompOrchestrator {
		t.Errorf("expected component=%s, got %v", CompOrchestrator, records[0]["component"])
	}
}

func TestLevelFilteringAndSetLevel(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("filtered_info")
	Logger().Warn("kept_warn")
	SetLevel("debug")
	Logger().Debug("kept_debug")

	var msgs []string
	for _, r := range readRecords(t, filepath.Join(dir, LogFileName)) {
		msgs = append(msgs, r["msg"].(string))
	}
	want := []string{"kept_warn", "kept_debug"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %v, got %v", want, msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("record %d: expected %q, got %q", i, want[i], msgs[i])
		}
	}
}

func TestStderrWriter(t *testing.T) {
	Shutdown()

	var buf bytes.Buffer
	Init(Config{Stderr: &buf, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	if !bytes.Contains(buf.Bytes(), []byte("msg=text_format_test")) {
		t.Errorf("expected text record, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 1024})
	defer Shutdown()

	Logger().Info("ring_test_message")

	dumpPath := filepath.Join(dir, "crash-dump.jsonl")
	if err := DumpRingBuffer(dumpPath); err != nil {
		t.Fatalf("DumpRingBuffer failed: %v", err)
	}
	data, err := os.ReadFile(dumpPath)
	if err != nil {
		t.Fatalf("failed to read dump file: %v", err)
	}
	if !bytes.Contains(data, []byte("ring_test_message")) {
		t.Errorf("crash dump missing record: %q", data)
	}
}
