package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ssuji15/jobrunner/model"
)

// LogSender ships job log lines to the job-control service.
type LogSender interface {
	AddJobLogs(ctx context.Context, jobID string, lines []model.LogLine) error
}

// JobLogger is the log sink for a single run. Every line lands in the job's
// log on the job-control service when a sender is configured, otherwise on
// stdout/stderr of the runner.
type JobLogger struct {
	jobID  string
	sender LogSender

	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func NewJobLogger(jobID string, sender LogSender) *JobLogger {
	return &JobLogger{
		jobID:  jobID,
		sender: sender,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// NewWriterLogger builds a local-only logger writing to the given streams.
func NewWriterLogger(jobID string, stdout, stderr io.Writer) *JobLogger {
	return &JobLogger{
		jobID:  jobID,
		stdout: stdout,
		stderr: stderr,
	}
}

func (l *JobLogger) Log(ctx context.Context, line string) {
	l.LogLines(ctx, []model.LogLine{{Line: line, TS: time.Now()}})
}

func (l *JobLogger) Error(ctx context.Context, line string) {
	l.LogLines(ctx, []model.LogLine{{Line: line, IsError: true, TS: time.Now()}})
}

func (l *JobLogger) LogLines(ctx context.Context, lines []model.LogLine) {
	if len(lines) == 0 {
		return
	}
	for _, ln := range lines {
		Log.Debug().Str("job_id", l.jobID).Bool("is_error", ln.IsError).Msg(ln.Line)
	}
	if l.sender != nil {
		err := l.sender.AddJobLogs(ctx, l.jobID, lines)
		if err == nil {
			return
		}
		Log.Warn().Err(err).Str("job_id", l.jobID).Int("lines", len(lines)).Msg("unable to send job logs, writing locally")
	}
	l.writeLocal(lines)
}

func (l *JobLogger) writeLocal(lines []model.LogLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range lines {
		w := l.stdout
		if ln.IsError {
			w = l.stderr
		}
		fmt.Fprintln(w, ln.Line)
	}
}
