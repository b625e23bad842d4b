package log

// Logger receives captured protocol events. Implementations must be
// safe for concurrent use; both channels of a device log through the
// same Logger.
type Logger interface {
	// Log records a single protocol event. It must not block the
	// calling reader goroutine for long.
	Log(event Event)
}

// NoopLogger discards all events. The zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = (*NoopLogger)(nil)
