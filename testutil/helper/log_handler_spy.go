package helper

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogHandlerSpy is a slog.Handler implementation that captures log records for testing.
type LogHandlerSpy struct {
	records     []slog.Record
	mu          sync.Mutex
	logToStdout bool
}

// NewLogHandlerSpy creates a new LogHandlerSpy.
// Switchable to log to stdout, which helps when debugging a test.
func NewLogHandlerSpy(logToStdOut bool) *LogHandlerSpy {
	return &LogHandlerSpy{
		records:     make([]slog.Record, 0),
		logToStdout: logToStdOut,
	}
}

// Handle implements slog.Handler interface.
func (s *LogHandlerSpy) Handle(ctx context.Context, record slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)

	if s.logToStdout {
		_ = slog.NewJSONHandler(os.Stdout, nil).Handle(ctx, record)
	}

	return nil
}

// Enabled implements slog.Handler interface.
func (s *LogHandlerSpy) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

// WithAttrs implements slog.Handler interface.
func (s *LogHandlerSpy) WithAttrs(_ []slog.Attr) slog.Handler {
	return s
}

// WithGroup implements slog.Handler interface.
func (s *LogHandlerSpy) WithGroup(_ string) slog.Handler {
	return s
}

// GetRecordCount returns the number of captured log records.
func (s *LogHandlerSpy) GetRecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

// Reset clears all captured log records.
func (s *LogHandlerSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
}

// HasLog checks if there's a log record of the given level whose message starts with prefix.
func (s *LogHandlerSpy) HasLog(level slog.Level, prefix string) bool {
	return s.HasLogWithMessage(level, prefix).Assert()
}

// SpyLogRecordMatcher provides a fluent interface for checking log record attributes.
type SpyLogRecordMatcher struct {
	record *slog.Record
	found  bool
}

// HasLogWithMessage starts a fluent chain on the first record of the given level whose message starts with prefix.
func (s *LogHandlerSpy) HasLogWithMessage(level slog.Level, prefix string) *SpyLogRecordMatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.records {
		if s.records[i].Level == level && strings.HasPrefix(s.records[i].Message, prefix) {
			record := s.records[i]
			return &SpyLogRecordMatcher{record: &record, found: true}
		}
	}

	return &SpyLogRecordMatcher{found: false}
}

// HasDebugLogWithMessage starts a fluent chain to check a debug-level log record.
func (s *LogHandlerSpy) HasDebugLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelDebug, prefix)
}

// HasInfoLogWithMessage starts a fluent chain to check an info-level log record.
func (s *LogHandlerSpy) HasInfoLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelInfo, prefix)
}

// HasErrorLogWithMessage starts a fluent chain to check an error-level log record.
func (s *LogHandlerSpy) HasErrorLogWithMessage(prefix string) *SpyLogRecordMatcher {
	return s.HasLogWithMessage(slog.LevelError, prefix)
}

// WithAttribute checks that the record carries the attribute key.
func (m *SpyLogRecordMatcher) WithAttribute(key string) *SpyLogRecordMatcher {
	if !m.found {
		return m
	}

	has := false
	m.record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			has = true
			return false
		}

		return true
	})

	m.found = has

	return m
}

// WithStringAttribute checks that the record carries the attribute with the given string value.
func (m *SpyLogRecordMatcher) WithStringAttribute(key, value string) *SpyLogRecordMatcher {
	if !m.found {
		return m
	}

	has := false
	m.record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key && attr.Value.String() == value {
			has = true
			return false
		}

		return true
	})

	m.found = has

	return m
}

// WithDurationMS checks if the log record has a duration_ms attribute with a non-negative value.
func (m *SpyLogRecordMatcher) WithDurationMS() *SpyLogRecordMatcher {
	if !m.found {
		return m
	}

	has := false
	m.record.Attrs(func(attr slog.Attr) bool {
		if attr.Key != "duration_ms" {
			return true
		}

		switch attr.Value.Kind() {
		case slog.KindInt64:
			has = attr.Value.Int64() >= 0
		case slog.KindFloat64:
			has = attr.Value.Float64() >= 0
		default:
		}

		return false
	})

	m.found = has

	return m
}

// WithEventCount checks if the log record has an event_count attribute with the given value.
func (m *SpyLogRecordMatcher) WithEventCount(count int) *SpyLogRecordMatcher {
	if !m.found {
		return m
	}

	has := false
	m.record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "event_count" && attr.Value.Int64() == int64(count) {
			has = true
			return false
		}

		return true
	})

	m.found = has

	return m
}

// Assert returns true if all conditions in the fluent chain were met.
func (m *SpyLogRecordMatcher) Assert() bool {
	return m.found
}
