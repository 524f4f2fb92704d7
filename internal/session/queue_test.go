package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

func queued(name string) entry {
	return entry{job: recordingJob(name, nil), done: newCompletion()}
}

func TestJobQueue_FIFO(t *testing.T) {
	q := newJobQueue()
	for _, n := range []string{"a", "b", "c"} {
		require.True(t, q.push(queued(n)))
	}
	assert.Equal(t, 3, q.len())

	for _, want := range []string{"a", "b", "c"} {
		e, ok := q.tryPop()
		require.True(t, ok)
		assert.Equal(t, want, e.job.Name())
	}
	_, ok := q.tryPop()
	assert.False(t, ok)
}

func TestJobQueue_PopWaitsForPush(t *testing.T) {
	q := newJobQueue()
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.push(queued("late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", e.job.Name())
}

func TestJobQueue_PopHonorsContext(t *testing.T) {
	q := newJobQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJobQueue_DrainAndClose(t *testing.T) {
	q := newJobQueue()
	q.push(queued("a"))
	q.push(queued("b"))

	var names []string
	n := q.drain(func(e entry) { names = append(names, e.job.Name()) })
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, 0, q.len())

	q.close()
	assert.False(t, q.push(queued("c")))
	assert.Equal(t, 0, q.len())
}

func TestCompletion_FinishesOnce(t *testing.T) {
	c := newCompletion()
	assert.Equal(t, Pending, c.Outcome())
	assert.NotEmpty(t, c.ID())

	assert.True(t, c.finish(OK))
	assert.False(t, c.finish(Discarded))
	assert.Equal(t, OK, c.Outcome())
	require.NoError(t, c.Wait(context.Background()))
}

func TestCompletion_WaitHonorsContext(t *testing.T) {
	c := newCompletion()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.Canceled)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OK},
		{"transient", errors.New("busy"), Failed},
		{"timeout", ErrJobTimeout, TimedOut},
		{"disconnect", camera.ErrDisconnected, Aborted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "timed out", TimedOut.String())
	assert.Equal(t, "discarded", Discarded.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
