package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"acs/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batches struct {
	mu   sync.Mutex
	got  [][]models.CommLog
	fail bool
}

func (b *batches) write(ctx context.Context, rows []models.CommLog) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("database down")
	}
	b.got = append(b.got, rows)
	return nil
}

func (b *batches) sizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, 0, len(b.got))
	for _, rows := range b.got {
		out = append(out, len(rows))
	}
	return out
}

func startWriter(t *testing.T, batchSize int, interval time.Duration, b *batches) (chan models.Event, context.CancelFunc) {
	t.Helper()
	events := make(chan models.Event)
	writer := &CommLogWriter{
		events:        events,
		batchSize:     batchSize,
		flushInterval: interval,
		write:         b.write,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return events, cancel
}

func sent(key string) models.Event {
	return models.Event{
		Type:    models.EventConnReqSent,
		Payload: &models.ConnReqOutcome{DeviceKey: key, State: models.ConnReqSent, Timestamp: time.Now()},
	}
}

func TestCommLogWriterBatching(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		events    []models.Event
		want      []int
	}{
		{
			name:      "full batches are written immediately",
			batchSize: 2,
			events:    []models.Event{sent("k1"), sent("k2"), sent("k3"), sent("k4")},
			want:      []int{2, 2},
		},
		{
			name:      "events without a log row are skipped",
			batchSize: 2,
			events:    []models.Event{sent("k1"), {Type: models.EventCreate, Payload: "noise"}, sent("k2")},
			want:      []int{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &batches{}
			events, _ := startWriter(t, tt.batchSize, time.Hour, b)
			for _, ev := range tt.events {
				events <- ev
			}
			assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(tt.want, b.sizes()) }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestCommLogWriterFlushesOnTick(t *testing.T) {
	b := &batches{}
	events, _ := startWriter(t, 100, 20*time.Millisecond, b)

	events <- sent("k1")
	assert.Eventually(t, func() bool { return len(b.sizes()) == 1 }, time.Second, 10*time.Millisecond)

	b.mu.Lock()
	row := b.got[0][0]
	b.mu.Unlock()
	assert.Equal(t, "k1", row.DeviceKey)
	assert.Equal(t, string(models.EventConnReqSent), row.Kind)
}

func TestCommLogWriterFlushesOnShutdown(t *testing.T) {
	b := &batches{}
	events, cancel := startWriter(t, 100, time.Hour, b)

	events <- sent("k1")
	events <- sent("k2")
	cancel()

	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual([]int{2}, b.sizes()) }, time.Second, 10*time.Millisecond)
}

func TestCommLogWriterDropsFailedBatch(t *testing.T) {
	b := &batches{fail: true}
	events, _ := startWriter(t, 1, time.Hour, b)

	events <- sent("k1")
	// The next send only completes once the failed flush has returned.
	events <- sent("k2")

	b.mu.Lock()
	b.fail = false
	b.mu.Unlock()
	events <- sent("k3")

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.got) > 0 && b.got[len(b.got)-1][0].DeviceKey == "k3"
	}, time.Second, 10*time.Millisecond)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rows := range b.got {
		assert.NotEqual(t, "k1", rows[0].DeviceKey, "failed batch is not retried")
	}
}
