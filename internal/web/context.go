package web

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/model"
)

// RunContext holds what the callback server knows about a run: completed
// job outputs and the current provenance. It only learns about new events
// when a handler drains the outbound mailbox.
type RunContext struct {
	outbound *mailbox.Mailbox[model.Event]

	mu      sync.Mutex
	outputs map[string]map[string]any
	prov    []model.ProvenanceAction
	changed chan struct{}
}

func NewRunContext(outbound *mailbox.Mailbox[model.Event]) *RunContext {
	return &RunContext{
		outbound: outbound,
		outputs:  make(map[string]map[string]any),
		prov:     []model.ProvenanceAction{},
		changed:  make(chan struct{}),
	}
}

// Drain applies every queued event and returns how many there were. Waiters
// blocked on Changed are woken when an output arrives.
func (rc *RunContext) Drain() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.drainLocked()
}

func (rc *RunContext) drainLocked() int {
	events := rc.outbound.Drain()
	added := false
	for _, ev := range events {
		switch ev.Kind {
		case model.EventOutput:
			rc.outputs[ev.JobID] = ev.Output
			added = true
		case model.EventProvenance:
			rc.prov = ev.Provenance
		}
	}
	if added {
		close(rc.changed)
		rc.changed = make(chan struct{})
	}
	return len(events)
}

// Changed is closed the next time a drain records an output.
func (rc *RunContext) Changed() <-chan struct{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.changed
}

// Output returns a copy of the stored output for jobID.
func (rc *RunContext) Output(jobID string) (map[string]any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out, ok := rc.outputs[jobID]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(out)+1)
	for k, v := range out {
		cp[k] = v
	}
	return cp, true
}

func (rc *RunContext) StoreOutput(jobID string, out map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[jobID] = out
}

func (rc *RunContext) Provenance() []model.ProvenanceAction {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]model.ProvenanceAction{}, rc.prov...)
}

// SetProvenance applies queued events first so none of them can replace p
// on a later drain.
func (rc *RunContext) SetProvenance(p []model.ProvenanceAction) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.drainLocked()
	rc.prov = p
}

// WaitOutput blocks until jobID has an output. Whichever waiter receives the
// mailbox notification drains it, which wakes the others through Changed.
// poll bounds how long a missed notification can delay a waiter.
func (rc *RunContext) WaitOutput(ctx context.Context, jobID string, poll, timeout time.Duration) (map[string]any, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ch := rc.Changed()
		rc.Drain()
		if out, ok := rc.Output(jobID); ok {
			return out, nil
		}
		select {
		case <-ch:
		case <-rc.outbound.Notify():
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("no output for job %s after %s", jobID, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
