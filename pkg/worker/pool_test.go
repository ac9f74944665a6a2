package worker

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(3, "test", 10, func(_ context.Context, n int) int { return n * n })
	p.Start(ctx)

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.Submit(ctx, i))
	}

	var got []int
	for len(got) < 5 {
		select {
		case r := <-p.Results():
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d results", len(got))
		}
	}
	sort.Ints(got)
	assert.Equal(t, []int{1, 4, 9, 16, 25}, got)
}

func TestPoolClosesResultsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(2, "test", 1, func(_ context.Context, n int) int { return n })
	p.Start(ctx)
	cancel()

	select {
	case _, ok := <-p.Results():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("results channel was not closed")
	}
}

func TestPoolTrySubmitFull(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, "test", 1, func(_ context.Context, n int) int {
		<-block
		return n
	})

	// Not started: the buffer holds exactly one job.
	require.NoError(t, p.TrySubmit(1))
	assert.ErrorIs(t, p.TrySubmit(2), ErrPoolFull)
	close(block)
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	p := NewPool(1, "test", 0, func(_ context.Context, n int) int { return n })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, p.Submit(ctx, 1), context.DeadlineExceeded)
}
