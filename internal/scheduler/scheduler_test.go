package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := New(nil)
	s.Add(Task{
		Name:     "count",
		Interval: 10 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	})

	s.Start(t.Context())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, after, runs.Load(), "task ran after Stop")
}

func TestScheduler_KickRunsImmediately(t *testing.T) {
	kick := make(chan struct{}, 1)
	ran := make(chan struct{}, 1)
	s := New(nil)
	s.Add(Task{
		Name:         "backup",
		Interval:     time.Hour,
		InitialDelay: time.Hour,
		Kick:         kick,
		Run:          func(context.Context) { ran <- struct{}{} },
	})
	s.Start(t.Context())
	defer s.Stop()

	kick <- struct{}{}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("kicked task did not run")
	}
}

func TestScheduler_DisabledTasksAreSkipped(t *testing.T) {
	s := New(nil)
	s.Add(Task{Name: "no-interval", Run: func(context.Context) {}})
	s.Add(Task{Name: "no-func", Interval: time.Second})
	require.Empty(t, s.tasks)

	s.Start(t.Context())
	s.Stop()
}

func TestScheduler_RecoversFromPanics(t *testing.T) {
	var runs atomic.Int32
	s := New(nil)
	s.Add(Task{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) {
			if runs.Add(1) == 1 {
				panic("boom")
			}
		},
	})
	s.Start(t.Context())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestScheduler_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(nil)
	s.Add(Task{Name: "idle", Interval: time.Hour, Run: func(context.Context) {}})
	s.Start(ctx)
	cancel()
	s.Stop()
}
