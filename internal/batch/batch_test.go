package batch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

func intRange(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func TestProcess_PreservesOrderAcrossGroups(t *testing.T) {
	items := intRange(25)

	results := Process(context.Background(), items, func(_ context.Context, group []int) ([]string, error) {
		out := make([]string, len(group))
		for i, v := range group {
			out[i] = strconv.Itoa(v * 2)
		}
		return out, nil
	}, Options{BatchSize: 10, MaxConcurrency: 2})

	require.Len(t, results, 25)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, strconv.Itoa(i*2), r.Value)
	}
}

func TestProcess_PartialFailureIsolatedToGroup(t *testing.T) {
	items := intRange(25)
	boom := errors.New("provider exploded")

	results := Process(context.Background(), items, func(_ context.Context, group []int) ([]int, error) {
		// The second group starts at item 10.
		if group[0] == 10 {
			return nil, boom
		}
		return group, nil
	}, Options{BatchSize: 10, MaxConcurrency: 2})

	require.Len(t, results, 25)
	for i, r := range results {
		if i >= 10 && i < 20 {
			assert.ErrorIs(t, r.Err, boom, "item %d should carry group error", i)
		} else {
			require.NoError(t, r.Err, "item %d should succeed", i)
			assert.Equal(t, i, r.Value)
		}
	}
	assert.Equal(t, 10, FailedCount(results))
}

func TestProcess_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	var mu sync.Mutex

	items := intRange(40)
	Process(context.Background(), items, func(_ context.Context, group []int) ([]int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return group, nil
	}, Options{BatchSize: 5, MaxConcurrency: 3})

	assert.LessOrEqual(t, peak, int64(3))
}

func TestProcess_WorkerLengthMismatchFailsGroup(t *testing.T) {
	results := Process(context.Background(), intRange(4), func(_ context.Context, group []int) ([]int, error) {
		return group[:1], nil
	}, Options{BatchSize: 4})

	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestProcess_RetryRecoversTransientFailure(t *testing.T) {
	var calls int32
	retry := qerrors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	results := Process(context.Background(), intRange(3), func(_ context.Context, group []int) ([]int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, qerrors.ProviderUnavailable("embedding", errors.New("cold start"))
		}
		return group, nil
	}, Options{BatchSize: 3, Retry: &retry})

	values, err := Collect(results)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, values)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProcess_EmptyInput(t *testing.T) {
	results := Process(context.Background(), nil, func(_ context.Context, group []int) ([]int, error) {
		t.Fatal("worker must not run for empty input")
		return nil, nil
	}, Options{})
	assert.Empty(t, results)
}

func TestCollect_ReturnsFirstError(t *testing.T) {
	boom := errors.New("nope")
	results := []Result[int]{{Value: 1}, {Err: boom}, {Value: 3}}

	_, err := Collect(results)
	assert.ErrorIs(t, err, boom)
}
