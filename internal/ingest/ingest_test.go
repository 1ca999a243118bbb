package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmd.sh/internal/models"
)

type recordingEventRepo struct {
	mu      sync.Mutex
	batches [][]*models.DeviceEvent
}

func (r *recordingEventRepo) InsertBatch(_ context.Context, events []*models.DeviceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]*models.DeviceEvent, len(events))
	copy(batch, events)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingEventRepo) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestEventQueueDropsOnOverflow(t *testing.T) {
	repo := &recordingEventRepo{}
	q := NewEventQueue(repo, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, q.Enqueue(&models.DeviceEvent{EventID: "e", DeviceID: "d"}))
	}
	// Queue full: the fourth event is dropped, not blocked on.
	assert.False(t, q.Enqueue(&models.DeviceEvent{EventID: "e4", DeviceID: "d"}))
	assert.Equal(t, 3, q.Depth())
}

func TestEventQueueFlushesBatches(t *testing.T) {
	repo := &recordingEventRepo{}
	q := NewEventQueue(repo, 200)

	for i := 0; i < 120; i++ {
		require.True(t, q.Enqueue(&models.DeviceEvent{
			EventID:    string(rune('a' + i%26)),
			DeviceID:   "dev-1",
			EventType:  "heartbeat",
			OccurredAt: time.Now(),
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return repo.total() >= 100 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 120, repo.total())
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, batch := range repo.batches {
		assert.LessOrEqual(t, len(batch), 50, "batches are capped at 50")
	}
}

func TestMonitoredAppRunningSignals(t *testing.T) {
	i := &Ingestor{}
	device := &models.Device{DeviceID: "dev-1", MonitorThresholdMin: 10}

	tests := []struct {
		name   string
		mutate func(*HeartbeatRequest)
		want   bool
	}{
		{
			name: "recent foreground within threshold",
			mutate: func(r *HeartbeatRequest) {
				v := 120
				r.MonitoredForegroundRecent = &v
			},
			want: true,
		},
		{
			name: "foreground too old",
			mutate: func(r *HeartbeatRequest) {
				v := 3600
				r.MonitoredForegroundRecent = &v
			},
			want: false,
		},
		{
			name: "nested signal used when top-level absent",
			mutate: func(r *HeartbeatRequest) {
				v := 30
				r.MonitoredAppSignals.ForegroundRecentSeconds = &v
			},
			want: true,
		},
		{
			name: "falls back to service notification",
			mutate: func(r *HeartbeatRequest) {
				r.MonitoredAppSignals.HasServiceNotification = true
			},
			want: true,
		},
		{
			name:   "no signals means not running",
			mutate: func(r *HeartbeatRequest) {},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &HeartbeatRequest{}
			tt.mutate(req)
			assert.Equal(t, tt.want, i.monitoredAppRunning(device, req))
		})
	}
}
