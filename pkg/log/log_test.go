package log

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func sampleEvent(category Category) Event {
	e := Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		Channel:      ChannelLocal,
		Category:     category,
		DUID:         "duid-1",
		RemoteAddr:   "192.168.1.50:58867",
	}
	switch category {
	case CategoryMessage:
		e.Direction = DirectionIn
		e.Message = &MessageEvent{Protocol: 102, Seq: 12345, PayloadSize: 64, WireSize: 103}
	case CategoryState:
		e.StateChange = &StateChangeEvent{OldState: "connecting", NewState: "connected"}
	case CategoryError:
		e.Error = &ErrorEventData{Message: "checksum mismatch", Context: "read loop"}
	}
	return e
}

func TestEncodeDecodeEvent(t *testing.T) {
	for _, category := range []Category{CategoryMessage, CategoryState, CategoryError} {
		t.Run(category.String(), func(t *testing.T) {
			event := sampleEvent(category)

			data, err := EncodeEvent(event)
			if err != nil {
				t.Fatalf("EncodeEvent: %v", err)
			}
			got, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}

			if got.ConnectionID != event.ConnectionID || got.DUID != event.DUID {
				t.Errorf("identity fields lost: %+v", got)
			}
			if got.Category != event.Category {
				t.Errorf("category = %v, want %v", got.Category, event.Category)
			}
			if category == CategoryMessage {
				if got.Message == nil || got.Message.Protocol != 102 || got.Message.Seq != 12345 {
					t.Errorf("message event = %+v", got.Message)
				}
			}
		})
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.rlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	logger.Log(sampleEvent(CategoryMessage))
	logger.Log(sampleEvent(CategoryState))
	logger.Log(sampleEvent(CategoryError))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	// Logging after close is dropped silently.
	logger.Log(sampleEvent(CategoryMessage))

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	var count int
	for {
		_, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("read %d events, want 3", count)
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.rlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				logger.Log(sampleEvent(CategoryMessage))
			}
		}()
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	var count int
	for {
		if _, err := reader.Next(); err != nil {
			break
		}
		count++
	}
	if count != 200 {
		t.Errorf("read %d events, want 200", count)
	}
}

func TestFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.rlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	in := sampleEvent(CategoryMessage)
	out := sampleEvent(CategoryMessage)
	out.Direction = DirectionOut
	otherDevice := sampleEvent(CategoryMessage)
	otherDevice.DUID = "duid-2"
	logger.Log(in)
	logger.Log(out)
	logger.Log(otherDevice)
	logger.Log(sampleEvent(CategoryState))
	logger.Close()

	dir := DirectionOut
	reader, err := NewFilteredReader(path, Filter{Direction: &dir, DUID: "duid-1"})
	if err != nil {
		t.Fatalf("NewFilteredReader: %v", err)
	}
	defer reader.Close()

	event, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if event.Direction != DirectionOut || event.DUID != "duid-1" {
		t.Errorf("filter returned %+v", event)
	}
	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestMultiLogger(t *testing.T) {
	var a, b recordingLogger
	multi := NewMultiLogger(&a, &b)
	multi.Log(sampleEvent(CategoryMessage))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fan-out missed a logger: %d/%d", len(a.events), len(b.events))
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(sampleEvent(CategoryMessage))
	adapter.Log(sampleEvent(CategoryState))
	adapter.Log(sampleEvent(CategoryError))

	out := buf.String()
	for _, want := range []string{"duid-1", "protocol=102", "new_state=connected", "checksum mismatch"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("slog output missing %q:\n%s", want, out)
		}
	}
}

func TestNoopLogger(t *testing.T) {
	// Must not panic on any event shape.
	var l NoopLogger
	l.Log(Event{})
	l.Log(sampleEvent(CategoryMessage))
}

func TestEnumStrings(t *testing.T) {
	if DirectionIn.String() != "IN" || DirectionOut.String() != "OUT" {
		t.Error("direction names")
	}
	if ChannelLocal.String() != "LOCAL" || ChannelCloud.String() != "CLOUD" {
		t.Error("channel names")
	}
	if CategoryMessage.String() != "MESSAGE" || Category(9).String() != "UNKNOWN" {
		t.Error("category names")
	}
}
