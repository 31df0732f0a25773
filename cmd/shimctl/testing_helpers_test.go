package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// decodeJSON checks that output is valid JSON and decodes it into v
func decodeJSON(t *testing.T, output string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(output), v); err != nil {
		t.Fatalf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}

// resetFlags restores every package-level flag to its default
func resetFlags() {
	verbose, quiet, jsonOut, logJSON = false, false, false, false

	stressProfile = ""
	stressWorkers, stressOps, stressMaxSize = 0, 0, 0
	stressSeed = 0
	stressMaxBytes, stressChunkSize, stressClasses = "", "", "balanced"
	stressTrace, stressMetricsAddr = "", ""
	stressTimeout = 0

	replayKeep = false
	replayMaxBytes, replayClasses = "", "balanced"

	romStage = false
}

// writeFile writes content to name inside a fresh temp dir and returns the path
func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// testImage returns a small big-endian cartridge image
func testImage() []byte {
	b := make([]byte, 0x1000)
	copy(b, []byte{0x80, 0x37, 0x12, 0x40})
	binary.BigEndian.PutUint32(b[0x08:], 0x80000400)
	binary.BigEndian.PutUint32(b[0x10:], 0x635A2BFF)
	binary.BigEndian.PutUint32(b[0x14:], 0x8B022326)
	copy(b[0x20:], "SUPER MARIO 64      ")
	copy(b[0x3B:], "NSMJ")
	return b
}
