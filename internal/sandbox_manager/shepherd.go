package sandbox_manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/ssuji15/jobrunner/internal/metrics"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/model"
)

// shepherd forwards a container's output while it runs. Once the container
// stops it flushes the remaining output, removes the container and reports
// the job as finished. It returns quietly if ctx is canceled by Remove or
// CleanupAll.
func (m *SandboxManager) shepherd(ctx context.Context, h model.ContainerHandle) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().
				Str("job_id", h.JobID).
				Str("container", h.ID).
				Str("stack", string(debug.Stack())).
				Msg(fmt.Sprintf("shepherd panic: %v", r))
		}
	}()

	log := logger.Log.With().Str("job_id", h.JobID).Str("container", h.ID).Logger()
	ticker := time.NewTicker(m.logInterval)
	defer ticker.Stop()

	var since time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		st, err := m.wm.Status(ctx, h.ID)
		if ctx.Err() != nil {
			return
		}
		since = m.forward(ctx, h, since, now)
		if err != nil {
			log.Warn().Err(err).Msg("unable to inspect container, treating it as exited")
			break
		}
		m.setStatus(h.ID, st)
		if !st.Active() {
			break
		}
	}

	m.forward(ctx, h, since, time.Now())
	if ctx.Err() != nil {
		return
	}
	if m.deregister(h.ID) == nil {
		return
	}
	m.destroy(ctx, h.ID)
	log.Info().Msg("container finished")
	m.notifyFinished(h.JobID)
}

// forward sends the lines emitted in [since, until] to the sink and returns
// the start of the next window.
func (m *SandboxManager) forward(ctx context.Context, h model.ContainerHandle, since, until time.Time) time.Time {
	lines, err := m.wm.Logs(ctx, h.ID, since, until)
	if err != nil {
		logger.Log.Warn().Err(err).Str("container", h.ID).Msg("unable to read container logs")
		return since
	}
	if len(lines) > 0 {
		MergeLines(lines)
		for _, l := range lines {
			if l.IsError {
				metrics.LogLinesForwarded.WithLabelValues("stderr").Inc()
			} else {
				metrics.LogLinesForwarded.WithLabelValues("stdout").Inc()
			}
		}
		if m.sink != nil {
			m.sink.LogLines(ctx, lines)
		}
		m.touch(h.ID, until)
	}
	return until.Add(time.Nanosecond)
}

// MergeLines orders stdout-then-stderr input by timestamp in place. Equal
// timestamps keep their input order, so stdout wins ties.
func MergeLines(lines []model.LogLine) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].TS.Before(lines[j].TS)
	})
}
