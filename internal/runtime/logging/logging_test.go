package logging

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "pool"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	if len(base.entries) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(base.entries))
	}
	if base.entries[0].level != "debug" || base.entries[0].fields["component"] != "pool" {
		t.Fatalf("unexpected first entry: %#v", base.entries[0])
	}
	if base.entries[3].err == nil {
		t.Fatal("expected error to be forwarded")
	}
	if base.entries[4].level != "with" || base.entries[4].fields["child"] != "yes" {
		t.Fatalf("expected With to propagate fields, got %#v", base.entries[4])
	}
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the receiver")
	}
}

func TestConstructorsPanicOnNil(t *testing.T) {
	cases := map[string]func(){
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestWatermillAdapterDelegates(t *testing.T) {
	rec := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(rec)

	adapter.Info("info", watermill.LogFields{"a": 1})
	adapter.Debug("debug", nil)
	adapter.Trace("trace", nil)
	adapter.Error("error", errors.New("boom"), nil)

	if len(rec.entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(rec.entries))
	}
	if rec.entries[0].fields["a"] != 1 {
		t.Fatalf("expected fields to be converted, got %#v", rec.entries[0].fields)
	}
	if rec.entries[1].fields != nil {
		t.Fatalf("expected nil fields for empty input, got %#v", rec.entries[1].fields)
	}
	if rec.entries[3].err == nil {
		t.Fatal("expected error to be forwarded")
	}
}

func TestForProcessTagsKindAndPid(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := ForProcess(NewWatermillServiceLogger(base), "supervisor")
	logger.Info("booted", nil)

	with := base.entries[0]
	if with.fields["process_kind"] != "supervisor" {
		t.Fatalf("expected process kind field, got %#v", with.fields)
	}
	if with.fields["pid"] != os.Getpid() {
		t.Fatalf("expected pid field, got %#v", with.fields)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNopLogger()
	logger.With(LogFields{"k": "v"}).Error("ignored", errors.New("boom"), nil)
}

func TestNewSlogServiceLoggerWrapsSlog(t *testing.T) {
	base := slog.New(slog.NewTextHandler(testWriter{}, nil))
	logger := NewSlogServiceLogger(base)
	logger.Info("hello", LogFields{"k": "v"})
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return r
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }
