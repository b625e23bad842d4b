// Package commands implements the roborock-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// ViewFilter specifies criteria for filtering events in the view
// command.
type ViewFilter struct {
	Channel   *log.ChannelKind
	Direction *log.Direction
	Category  *log.Category
	DUID      string
}

// RunView streams the capture file through the filter and writes a
// human-readable rendition of each event.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("open capture file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}

		if filter.Channel != nil && event.Channel != *filter.Channel {
			continue
		}
		if filter.Direction != nil && event.Direction != *filter.Direction {
			continue
		}
		if filter.Category != nil && event.Category != *filter.Category {
			continue
		}
		if filter.DUID != "" && event.DUID != filter.DUID {
			continue
		}

		formatEvent(output, event)
	}

	return nil
}

// formatEvent writes a human-readable representation of one event.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)

	var typeLabel string
	switch {
	case event.Message != nil:
		typeLabel = protocol.Protocol(event.Message.Protocol).String()
	case event.StateChange != nil:
		typeLabel = "state"
	case event.Error != nil:
		typeLabel = "error"
	default:
		typeLabel = "unknown"
	}

	dir := "   "
	if event.Category == log.CategoryMessage {
		dir = event.Direction.String()
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %-5s %s\n", ts, connID, dir, event.Channel, typeLabel)

	if event.DUID != "" {
		fmt.Fprintf(w, "  Device: %s\n", event.DUID)
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}

	switch {
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	if msg.Seq != 0 {
		fmt.Fprintf(w, "  Seq: %d\n", msg.Seq)
	}
	if msg.WireSize > 0 {
		fmt.Fprintf(w, "  Payload: %d bytes (%d on the wire)\n", msg.PayloadSize, msg.WireSize)
	} else {
		fmt.Fprintf(w, "  Payload: %d bytes\n", msg.PayloadSize)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseChannelFlag parses a channel string from a command-line flag
// (case-insensitive).
func ParseChannelFlag(s string) (log.ChannelKind, error) {
	switch strings.ToLower(s) {
	case "local":
		return log.ChannelLocal, nil
	case "cloud":
		return log.ChannelCloud, nil
	default:
		return 0, fmt.Errorf("invalid channel: %s (must be local or cloud)", s)
	}
}

// ParseDirectionFlag parses a direction string from a command-line flag
// (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from a command-line flag
// (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state, or error)", s)
	}
}
