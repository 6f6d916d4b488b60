package web

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/model"
)

func TestRunContext_DrainAppliesInOrder(t *testing.T) {
	out := mailbox.New[model.Event]()
	rc := NewRunContext(out)

	out.Put(model.Event{Kind: model.EventOutput, JobID: "a", Output: map[string]any{"v": 1}})
	out.Put(model.Event{Kind: model.EventProvenance, Provenance: []model.ProvenanceAction{{Service: "old"}}})
	out.Put(model.Event{Kind: model.EventOutput, JobID: "a", Output: map[string]any{"v": 2}})
	out.Put(model.Event{Kind: model.EventProvenance, Provenance: []model.ProvenanceAction{{Service: "new"}}})

	_, ok := rc.Output("a")
	require.False(t, ok, "nothing is visible before a drain")

	require.Equal(t, 4, rc.Drain())
	got, ok := rc.Output("a")
	require.True(t, ok)
	require.Equal(t, 2, got["v"])
	require.Equal(t, "new", rc.Provenance()[0].Service)

	got["v"] = 99
	again, _ := rc.Output("a")
	require.Equal(t, 2, again["v"])
}

func TestRunContext_SetProvenanceAppliesQueuedEventsFirst(t *testing.T) {
	out := mailbox.New[model.Event]()
	rc := NewRunContext(out)

	out.Put(model.Event{Kind: model.EventOutput, JobID: "a", Output: map[string]any{"v": 1}})
	out.Put(model.Event{Kind: model.EventProvenance, Provenance: []model.ProvenanceAction{{Service: "stale"}}})
	rc.SetProvenance([]model.ProvenanceAction{{Service: "set"}})

	require.Equal(t, 0, rc.Drain())
	require.Equal(t, "set", rc.Provenance()[0].Service)
	_, ok := rc.Output("a")
	require.True(t, ok)

	out.Put(model.Event{Kind: model.EventProvenance, Provenance: []model.ProvenanceAction{{Service: "newer"}}})
	rc.Drain()
	require.Equal(t, "newer", rc.Provenance()[0].Service)
}

func TestRunContext_ManyWaiters(t *testing.T) {
	out := mailbox.New[model.Event]()
	rc := NewRunContext(out)

	ids := []string{"j1", "j2", "j3", "j4"}
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// a long poll forces waiters to rely on notifications
			res, err := rc.WaitOutput(context.Background(), id, time.Hour, 5*time.Second)
			if err == nil && res["job"] != id {
				err = context.DeadlineExceeded
			}
			errs <- err
		}(id)
	}

	time.Sleep(20 * time.Millisecond)
	for _, id := range ids {
		out.Put(model.Event{Kind: model.EventOutput, JobID: id, Output: map[string]any{"job": id}})
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRunContext_WaitTimeout(t *testing.T) {
	rc := NewRunContext(mailbox.New[model.Event]())
	_, err := rc.WaitOutput(context.Background(), "nope", 5*time.Millisecond, 30*time.Millisecond)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rc.WaitOutput(ctx, "nope", time.Second, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
