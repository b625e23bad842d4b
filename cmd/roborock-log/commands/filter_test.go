package commands

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roborock-community/roborock-go/pkg/log"
)

// readAll drains a capture file.
func readAll(t *testing.T, path string) []log.Event {
	t.Helper()

	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	var events []log.Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, event)
	}
}

func TestFilterByDUID(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())
	outPath := filepath.Join(t.TempDir(), "filtered.rlog")

	var buf bytes.Buffer
	err := RunFilter(path, FilterOptions{Output: outPath, DUID: "rr-device-two"}, &buf)
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}

	if !strings.Contains(buf.String(), "Filtered 2 events") {
		t.Errorf("expected 2 filtered events, got: %s", buf.String())
	}

	for _, e := range readAll(t, outPath) {
		if e.DUID != "rr-device-two" {
			t.Errorf("unexpected device in output: %s", e.DUID)
		}
	}
}

func TestFilterByConnectionAndCategory(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())
	outPath := filepath.Join(t.TempDir(), "filtered.rlog")

	var buf bytes.Buffer
	opts := FilterOptions{Output: outPath, ConnID: "conn-aaaa-bbbb", Category: "message"}
	if err := RunFilter(path, opts, &buf); err != nil {
		t.Fatalf("RunFilter: %v", err)
	}

	events := readAll(t, outPath)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.Category != log.CategoryMessage {
			t.Errorf("unexpected category: %s", e.Category)
		}
	}
}

func TestFilterByTimeRange(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())
	outPath := filepath.Join(t.TempDir(), "filtered.rlog")

	var buf bytes.Buffer
	opts := FilterOptions{
		Output:    outPath,
		TimeStart: "2026-03-10T09:30:01Z",
		TimeEnd:   "2026-03-10T09:30:03Z",
	}
	if err := RunFilter(path, opts, &buf); err != nil {
		t.Fatalf("RunFilter: %v", err)
	}

	events := readAll(t, outPath)
	if len(events) != 2 {
		t.Fatalf("expected 2 events in window, got %d", len(events))
	}
}

func TestFilterRejectsBadTime(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())
	outPath := filepath.Join(t.TempDir(), "filtered.rlog")

	var buf bytes.Buffer
	opts := FilterOptions{Output: outPath, TimeStart: "yesterday"}
	if err := RunFilter(path, opts, &buf); err == nil {
		t.Fatal("expected error for invalid time")
	}
}
