package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmgr/internal/task"
)

func TestStatusStringAndParse(t *testing.T) {
	t.Parallel()
	for _, st := range []Status{StatusReady, StatusIdle, StatusRunning, StatusBusy} {
		got, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("Sleeping")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, "Status(9)", Status(9).String())
}

func TestStatusAvailable(t *testing.T) {
	t.Parallel()
	assert.True(t, StatusReady.Available())
	assert.True(t, StatusIdle.Available())
	assert.False(t, StatusRunning.Available())
	assert.False(t, StatusBusy.Available())
}

func TestSlotTransitions(t *testing.T) {
	t.Parallel()
	sl := newSlot()
	require.Equal(t, StatusBusy, sl.Status())

	// Busy cannot be reassigned until its completion is drained.
	assert.ErrorIs(t, sl.transition(StatusRunning), ErrInvalidTransition)
	assert.ErrorIs(t, sl.transition(StatusReady), ErrInvalidTransition)

	require.NoError(t, sl.transition(StatusIdle))
	assert.False(t, sl.info().IdleSince.IsZero())
	assert.ErrorIs(t, sl.transition(StatusIdle), ErrInvalidTransition)
	assert.ErrorIs(t, sl.transition(StatusBusy), ErrInvalidTransition)

	require.NoError(t, sl.transition(StatusRunning))
	assert.True(t, sl.info().IdleSince.IsZero())
	require.NoError(t, sl.transition(StatusBusy))
	assert.Equal(t, "Busy", sl.info().Status)
}

func TestSlotAssignCallsCompletionOnce(t *testing.T) {
	t.Parallel()
	sl := newSlot()
	var ran, completed atomic.Int32
	var gotID atomic.Value
	release := make(chan struct{})

	sl.assign(context.Background(), task.Item{Name: "job"},
		func(ctx context.Context, it task.Item) {
			ran.Add(1)
			<-release
		},
		func(id uuid.UUID) {
			completed.Add(1)
			gotID.Store(id)
		},
	)
	assert.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "job", sl.info().Task)
	assert.Equal(t, int32(0), completed.Load())

	close(release)
	sl.shutdown()
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, sl.id, gotID.Load())
}
