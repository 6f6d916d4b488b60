package containerdservice

import (
	"bytes"
	"sync"
	"time"

	"github.com/ssuji15/jobrunner/model"
)

// logRecorder collects a task's output streams and stamps each line with the
// time it was written.
type logRecorder struct {
	mu    sync.Mutex
	lines []model.LogLine
	now   func() time.Time
}

func newLogRecorder() *logRecorder {
	return &logRecorder{now: time.Now}
}

func (r *logRecorder) stream(isError bool) *streamWriter {
	return &streamWriter{rec: r, isError: isError}
}

func (r *logRecorder) add(line string, isError bool) {
	r.mu.Lock()
	r.lines = append(r.lines, model.LogLine{Line: line, IsError: isError, TS: r.now()})
	r.mu.Unlock()
}

// between returns stdout then stderr lines stamped in [since, until].
func (r *logRecorder) between(since, until time.Time) []model.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out, errs []model.LogLine
	for _, l := range r.lines {
		if (!since.IsZero() && l.TS.Before(since)) || l.TS.After(until) {
			continue
		}
		if l.IsError {
			errs = append(errs, l)
		} else {
			out = append(out, l)
		}
	}
	return append(out, errs...)
}

type streamWriter struct {
	rec     *logRecorder
	isError bool

	mu      sync.Mutex
	partial []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.rec.add(string(w.partial[:i]), w.isError)
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// flush records a trailing line that was never terminated.
func (w *streamWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.rec.add(string(w.partial), w.isError)
		w.partial = nil
	}
}
