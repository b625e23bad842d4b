package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roborock-community/roborock-go/pkg/log"
)

// createTestCaptureFile writes events to a capture file and returns its
// path.
func createTestCaptureFile(t *testing.T, events []log.Event) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.rlog")
	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func sampleEvents() []log.Event {
	ts := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	return []log.Event{
		{
			Timestamp:    ts,
			ConnectionID: "conn-aaaa-bbbb",
			Channel:      log.ChannelCloud,
			Category:     log.CategoryState,
			DUID:         "rr-device-one",
			StateChange:  &log.StateChangeEvent{OldState: "disconnected", NewState: "connected"},
		},
		{
			Timestamp:    ts.Add(time.Second),
			ConnectionID: "conn-aaaa-bbbb",
			Direction:    log.DirectionOut,
			Channel:      log.ChannelCloud,
			Category:     log.CategoryMessage,
			DUID:         "rr-device-one",
			RemoteAddr:   "mqtt-eu-3.roborock.com:8883",
			Message:      &log.MessageEvent{Protocol: 101, Seq: 12345, PayloadSize: 84, WireSize: 119},
		},
		{
			Timestamp:    ts.Add(2 * time.Second),
			ConnectionID: "conn-aaaa-bbbb",
			Direction:    log.DirectionIn,
			Channel:      log.ChannelCloud,
			Category:     log.CategoryMessage,
			DUID:         "rr-device-one",
			Message:      &log.MessageEvent{Protocol: 102, Seq: 12345, PayloadSize: 256},
		},
		{
			Timestamp:    ts.Add(3 * time.Second),
			ConnectionID: "conn-cccc-dddd",
			Direction:    log.DirectionIn,
			Channel:      log.ChannelLocal,
			Category:     log.CategoryMessage,
			DUID:         "rr-device-two",
			RemoteAddr:   "192.0.2.10:58867",
			Message:      &log.MessageEvent{Protocol: 3, Seq: 7, PayloadSize: 0},
		},
		{
			Timestamp:    ts.Add(4 * time.Second),
			ConnectionID: "conn-cccc-dddd",
			Channel:      log.ChannelLocal,
			Category:     log.CategoryError,
			DUID:         "rr-device-two",
			Error:        &log.ErrorEventData{Message: "short read", Context: "decode inbound stream"},
		},
	}
}

func TestViewRendersEvents(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "rpc_request") {
		t.Error("expected rpc_request in output")
	}
	if !strings.Contains(output, "rpc_response") {
		t.Error("expected rpc_response in output")
	}
	if !strings.Contains(output, "ping_response") {
		t.Error("expected ping_response in output")
	}
	if !strings.Contains(output, "[conn:conn-aaa") {
		t.Error("expected shortened connection id in output")
	}
	if !strings.Contains(output, "disconnected -> connected") {
		t.Error("expected state transition in output")
	}
	if !strings.Contains(output, "short read") {
		t.Error("expected error message in output")
	}
	if !strings.Contains(output, "84 bytes (119 on the wire)") {
		t.Errorf("expected payload sizes in output, got:\n%s", output)
	}
}

func TestViewFiltersByChannel(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())

	ch := log.ChannelLocal
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Channel: &ch}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	output := buf.String()

	if strings.Contains(output, "rpc_request") {
		t.Error("cloud events should be filtered out")
	}
	if !strings.Contains(output, "ping_response") {
		t.Error("expected local ping_response to remain")
	}
}

func TestViewFiltersByDirection(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())

	out := log.DirectionOut
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Direction: &out}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "rpc_request") {
		t.Error("expected outgoing rpc_request")
	}
	if strings.Contains(output, "rpc_response") {
		t.Error("incoming rpc_response should be filtered out")
	}
}

func TestViewFiltersByDUID(t *testing.T) {
	path := createTestCaptureFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{DUID: "rr-device-two"}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	output := buf.String()

	if strings.Contains(output, "rr-device-one") {
		t.Error("other device's events should be filtered out")
	}
	if !strings.Contains(output, "rr-device-two") {
		t.Error("expected rr-device-two events")
	}
}

func TestParseChannelFlag(t *testing.T) {
	if ch, err := ParseChannelFlag("LOCAL"); err != nil || ch != log.ChannelLocal {
		t.Errorf("ParseChannelFlag(LOCAL) = %v, %v", ch, err)
	}
	if ch, err := ParseChannelFlag("cloud"); err != nil || ch != log.ChannelCloud {
		t.Errorf("ParseChannelFlag(cloud) = %v, %v", ch, err)
	}
	if _, err := ParseChannelFlag("mqtt"); err == nil {
		t.Error("expected error for unknown channel")
	}
}
