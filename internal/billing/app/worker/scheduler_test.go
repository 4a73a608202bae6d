package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsJobs(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, nil)

	var runs int32
	require.NoError(t, s.Add(Job{
		Name: "reconciliation_sweep",
		Spec: "* * * * * *",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}))

	s.Start()
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) > 0
	}, 3*time.Second, 20*time.Millisecond)
	<-s.Stop().Done()

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "reconciliation_sweep", entries[0].Name)
}

func TestSchedulerRejectsBadJobs(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Timezone: "Nowhere/Invalid"}, nil)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Name: "bad", Spec: "every tuesday", Run: noop}))

	require.NoError(t, s.Add(Job{Name: "prune", Spec: "0 30 3 * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "prune", Spec: "0 0 4 * * *", Run: noop}))

	require.NoError(t, s.Add(Job{Name: "disabled", Spec: "", Run: noop}))
	assert.Len(t, s.Entries(), 1)
}

func TestSchedulerStopCancelsRunningJob(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, nil)

	started := make(chan struct{})
	var canceled int32
	job := Job{
		Name: "slow",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			atomic.StoreInt32(&canceled, 1)
			return ctx.Err()
		},
	}

	done := make(chan struct{})
	go func() {
		s.RunNow(job)
		close(done)
	}()
	<-started
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job was not canceled")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&canceled))
}

func TestSchedulerJobTimeout(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, nil)

	var got error
	s.RunNow(Job{
		Name:    "bounded",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			got = ctx.Err()
			return got
		},
	})
	assert.True(t, errors.Is(got, context.DeadlineExceeded))
}
