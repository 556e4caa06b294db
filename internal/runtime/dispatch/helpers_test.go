package dispatch

import (
	"sync"

	"github.com/drblury/eventbus/internal/runtime/logging"
)

type logEntry struct {
	level  string
	msg    string
	fields logging.LogFields
	err    error
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    logging.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) add(level, msg string, err error, fields logging.LogFields) {
	merged := logging.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, fields: merged, err: err})
	r.mu.Unlock()
}

func (r *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := logging.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, base: merged}
}

func (r *recordingLogger) Debug(msg string, fields logging.LogFields) { r.add("debug", msg, nil, fields) }
func (r *recordingLogger) Info(msg string, fields logging.LogFields)  { r.add("info", msg, nil, fields) }
func (r *recordingLogger) Warn(msg string, fields logging.LogFields)  { r.add("warn", msg, nil, fields) }
func (r *recordingLogger) Trace(msg string, fields logging.LogFields) { r.add("trace", msg, nil, fields) }
func (r *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	r.add("error", msg, err, fields)
}

func (r *recordingLogger) levels(level string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range *r.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}
