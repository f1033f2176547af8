package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasks(n int) []*Task {
	out := make([]*Task, n)
	for i := range out {
		out[i] = &Task{ID: fmt.Sprintf("t%d", i), Payload: i}
	}
	return out
}

func TestBatchRunsEveryTask(t *testing.T) {
	var calls int64
	results, err := Batch(context.Background(), Config{Workers: 3, QueueSize: 2}, func(_ context.Context, task *Task) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return task.Payload.(int) * 2, nil
	}, tasks(20), nil)
	require.NoError(t, err)
	require.Len(t, results, 20)

	sum := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, 1, r.Attempts)
		sum += r.Data.(int)
	}
	assert.Equal(t, 380, sum)
	assert.EqualValues(t, 20, calls)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int64
	results, err := Batch(context.Background(), Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(context.Context, *Task) (interface{}, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}, tasks(1), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestNonRetryableStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	results, err := Batch(context.Background(), Config{
		Workers:    1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context, *Task) (interface{}, error) {
		return nil, permanent
	}, tasks(1), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, permanent)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1}, func(context.Context, *Task) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)
	p.Start()
	p.Stop()
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), &Task{ID: "late"}), ErrStopped)

	_, err = New(Config{}, nil, nil)
	assert.Error(t, err)
}
