// Package log provides structured protocol capture for device traffic.
//
// This package defines the Logger interface and Event types for
// recording wire-level activity: messages crossing either channel,
// connection state transitions, and codec failures. It is separate from
// operational logging (slog) - protocol capture yields a complete
// machine-readable trace for offline debugging of device behavior.
//
// # Basic Usage
//
// Components accept a Logger; pass the implementation that fits:
//
//	// Development: mirror events to the console via slog
//	opts.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Capture to a binary file
//	opts.ProtocolLogger, _ = log.NewFileLogger("/var/log/roborock/traffic.rlog")
//
//	// Both at once
//	opts.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Capture files are a plain concatenation of CBOR-encoded events with
// integer map keys. Reader streams them back, optionally filtered.
package log
