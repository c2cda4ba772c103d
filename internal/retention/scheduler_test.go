package retention

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchedule(t *testing.T) {
	for _, expr := range []string{DefaultSchedule, "*/5 * * * *", "30 3 * * 1-5", "@daily", "@every 1h"} {
		assert.NoError(t, ValidateSchedule(expr), expr)
	}
	for _, expr := range []string{"", "not a schedule", "0 0 * *", "61 * * * *", "0 0 0 * * *"} {
		assert.Error(t, ValidateSchedule(expr), expr)
	}
}

func TestNewSchedulerRejectsInvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&countingRunner{}, "every day", log.New(io.Discard))
	assert.Error(t, err)
}

type countingRunner struct {
	runs atomic.Int32
}

func (c *countingRunner) Run(context.Context) (*Result, error) {
	c.runs.Add(1)
	return &Result{}, nil
}

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewScheduler(runner, "@every 1s", log.New(io.Discard))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return runner.runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
