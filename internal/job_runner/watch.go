package job_runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/internal/metrics"
	"github.com/ssuji15/jobrunner/internal/provenance"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/model"
)

var errStopped = errors.New("runner stopped")

// watch is the run's event loop. It returns the main job's output, or an
// error when the run is aborted. Each iteration handles at most one message.
func (r *JobRunner) watch(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	for {
		select {
		case <-r.stopCh:
			return nil, errStopped
		default:
		}

		if r.tokenExpired() {
			r.d.Log.Error(ctx, "Token has expired")
			return nil, model.ErrTokenExpired
		}

		msg, err := r.d.Inbound.Get(ctx, r.pollInterval)
		switch {
		case err == nil:
			out, done, err := r.handle(ctx, cfg, msg)
			if err != nil {
				return nil, err
			}
			if done {
				return out, nil
			}
		case errors.Is(err, mailbox.ErrEmpty):
		default:
			return nil, fmt.Errorf("%w: %v", model.ErrCanceled, err)
		}

		if r.mainJobID != "" && r.count <= 0 {
			r.d.Log.Error(ctx, "Count got to 0 without finish")
			return nil, model.ErrOrphaned
		}

		if r.canceled(ctx) {
			r.d.Log.Error(ctx, "Job canceled or unexpected error")
			return nil, model.ErrCanceled
		}
	}
}

// handle applies one inbound message. done is set when the main job has
// finished and out is its output.
func (r *JobRunner) handle(ctx context.Context, cfg map[string]any, msg model.Message) (map[string]any, bool, error) {
	switch msg.Kind {
	case model.MessageSubmit:
		return nil, false, r.submit(ctx, cfg, msg.Job)

	case model.MessageCancel:
		r.d.Log.Error(ctx, "Job was canceled")
		return nil, false, model.ErrCanceled

	case model.MessageSetProvenance:
		if msg.Provenance != nil {
			r.prov = provenance.FromAction(*msg.Provenance)
			r.publishProvenance()
		}

	case model.MessageFinishedSpecial:
		r.publishOutput(msg.JobID, msg.Output)
		r.count--

	case model.MessageFinished:
		main := r.mainJobID != "" && msg.JobID == r.mainJobID
		out := r.d.Jobs.GetOutput(ctx, msg.JobID, !main)
		r.publishOutput(msg.JobID, out)
		r.count--
		if main {
			if r.count > 0 {
				r.d.Log.Error(ctx, "Orphaned containers may be present")
			}
			return out, true, nil
		}

	default:
		logger.Log.Warn().Str("kind", string(msg.Kind)).Msg("ignoring unknown message")
	}
	return nil, false, nil
}

// submit admits a subjob. Exceeding the task limit aborts the run; a subjob
// that cannot be launched gets an error output and the run goes on.
func (r *JobRunner) submit(ctx context.Context, cfg map[string]any, job *model.Job) error {
	if job == nil {
		return nil
	}
	if r.count > r.cfg.MAX_TASKS {
		r.d.Log.Error(ctx, "Too many subtasks")
		metrics.JobsRejected.WithLabelValues("admission").Inc()
		return fmt.Errorf("%d tasks outstanding, limit %d: %w", r.count, r.cfg.MAX_TASKS, model.ErrAdmission)
	}

	kind := "subjob"
	var err error
	if strings.HasPrefix(job.Method, specialPrefix) {
		kind = "special"
		r.d.Log.Log(ctx, fmt.Sprintf("Submit %s as a %s job", job.ID, job.Method))
		err = r.d.Special.Run(ctx, cfg, job, r.d.Inbound)
	} else {
		err = r.runJob(ctx, cfg, job)
	}
	if err != nil {
		r.d.Log.Error(ctx, fmt.Sprintf("Failed to start %s (%s): %v", job.ID, job.Method, err))
		metrics.JobsRejected.WithLabelValues("launch").Inc()
		r.publishOutput(job.ID, model.ErrorOutput("Job failed to start", err.Error(), model.AsRPCError(err).Code))
		return nil
	}
	metrics.JobsSubmitted.WithLabelValues(kind).Inc()
	r.count++
	return nil
}
