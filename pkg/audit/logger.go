package audit

import "context"

// Logger is the sink interface for authentication audit entries.
type Logger interface {
	// Record appends one entry. Implementations must never mutate
	// previously written entries.
	Record(ctx context.Context, entry *Entry) error

	// Close flushes and releases the sink.
	Close() error
}

// NopLogger discards all entries. Used in tests and when auditing is
// explicitly disabled.
type NopLogger struct{}

func (NopLogger) Record(ctx context.Context, entry *Entry) error { return nil }
func (NopLogger) Close() error                                   { return nil }

// MultiLogger fans entries out to several sinks. Every sink is
// attempted even when an earlier one fails; the first error is
// returned.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a fan-out logger over the given sinks.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

func (m *MultiLogger) Record(ctx context.Context, entry *Entry) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiLogger) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
