package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

func TestSupervisor_RunsTasksUntilStopped(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(logger.Nop(), Task{
		Name:       "tick",
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestSupervisor_RunsDoNotOverlap(t *testing.T) {
	var active, maxActive atomic.Int32
	s := NewSupervisor(logger.Nop(), Task{
		Name:     "slow",
		Interval: time.Millisecond,
		Run: func(context.Context) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, int32(1), maxActive.Load())
}

func TestSupervisor_RunOnce(t *testing.T) {
	boom := errors.New("boom")
	s := NewSupervisor(logger.Nop(),
		Task{Name: "fails", Interval: time.Hour, Run: func(context.Context) error { return boom }},
		Task{Name: "panics", Interval: time.Hour, Run: func(context.Context) error { panic("bad") }},
	)

	assert.ErrorIs(t, s.RunOnce(context.Background(), "fails"), boom)
	assert.ErrorContains(t, s.RunOnce(context.Background(), "panics"), "panicked")
	assert.Error(t, s.RunOnce(context.Background(), "missing"))
}

func TestSupervisor_RejectsZeroInterval(t *testing.T) {
	s := NewSupervisor(logger.Nop(), Task{Name: "bad", Run: func(context.Context) error { return nil }})
	assert.Error(t, s.Start(context.Background()))
}
