package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// exportedEvent is the JSONL form of one capture event, with the enum
// fields rendered as names.
type exportedEvent struct {
	Timestamp    string                `json:"timestamp"`
	ConnectionID string                `json:"connection_id"`
	Direction    string                `json:"direction,omitempty"`
	Channel      string                `json:"channel"`
	Category     string                `json:"category"`
	DUID         string                `json:"duid,omitempty"`
	RemoteAddr   string                `json:"remote_addr,omitempty"`
	Protocol     string                `json:"protocol,omitempty"`
	Seq          uint32                `json:"seq,omitempty"`
	PayloadSize  int                   `json:"payload_size,omitempty"`
	WireSize     int                   `json:"wire_size,omitempty"`
	StateChange  *log.StateChangeEvent `json:"state_change,omitempty"`
	Error        *log.ErrorEventData   `json:"error,omitempty"`
}

// RunExport writes the capture file in the requested format.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}

		out := exportedEvent{
			Timestamp:    event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			ConnectionID: event.ConnectionID,
			Channel:      event.Channel.String(),
			Category:     event.Category.String(),
			DUID:         event.DUID,
			RemoteAddr:   event.RemoteAddr,
			StateChange:  event.StateChange,
			Error:        event.Error,
		}
		if event.Category == log.CategoryMessage {
			out.Direction = event.Direction.String()
		}
		if event.Message != nil {
			out.Protocol = protocol.Protocol(event.Message.Protocol).String()
			out.Seq = event.Message.Seq
			out.PayloadSize = event.Message.PayloadSize
			out.WireSize = event.Message.WireSize
		}

		if err := encoder.Encode(out); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "connection_id", "direction", "channel", "category", "duid", "remote_addr", "type", "seq", "payload_size"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}

		eventType := "unknown"
		seq := ""
		size := ""
		switch {
		case event.Message != nil:
			eventType = protocol.Protocol(event.Message.Protocol).String()
			seq = strconv.FormatUint(uint64(event.Message.Seq), 10)
			size = strconv.Itoa(event.Message.PayloadSize)
		case event.StateChange != nil:
			eventType = "state"
		case event.Error != nil:
			eventType = "error"
		}

		dir := ""
		if event.Category == log.CategoryMessage {
			dir = event.Direction.String()
		}

		row := []string{
			event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			event.ConnectionID,
			dir,
			event.Channel.String(),
			event.Category.String(),
			event.DUID,
			event.RemoteAddr,
			eventType,
			seq,
			size,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}
