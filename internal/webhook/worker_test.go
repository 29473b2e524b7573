package webhook

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerDrainsUntilCanceled(t *testing.T) {
	fixture := newProcessorFixture(t, 3)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	first := fixture.enqueue(t, "tenant-1", "CONTACT", "r-1", base)
	second := fixture.enqueue(t, "tenant-1", "CONTACT", "r-2", base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handled := make(chan string, 2)
	fixture.registry.Register("CONTACT", HandlerFunc(func(_ context.Context, event Event) error {
		handled <- event.ID
		return nil
	}))

	worker, err := NewWorker(WorkerConfig{Processor: fixture.processor, Interval: 10 * time.Millisecond, BatchSize: 1})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	for range 2 {
		select {
		case <-handled:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not drain the queue")
		}
	}
	require.Eventually(t, func() bool {
		counts, err := fixture.store.StatusCounts(context.Background(), "tenant-1")
		return err == nil && counts[StatusProcessed] == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, StatusProcessed, fixture.reload(t, first.ID).Status)
	assert.Equal(t, StatusProcessed, fixture.reload(t, second.ID).Status)
}

func TestWorkerStopsDrainingWhenTenantIsThrottled(t *testing.T) {
	fixture := newProcessorFixture(t, 3)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	fixture.enqueue(t, "tenant-1", "CONTACT", "r-1", base)

	var calls atomic.Int32
	fixture.registry.Register("CONTACT", HandlerFunc(func(context.Context, Event) error {
		calls.Add(1)
		return syncerr.NewRateLimit(30*time.Second, "minute")
	}))

	worker, err := NewWorker(WorkerConfig{Processor: fixture.processor, Interval: time.Hour, BatchSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.EqualValues(t, 1, calls.Load())
}

func TestWorkerStopsDrainingAfterFailure(t *testing.T) {
	fixture := newProcessorFixture(t, 3)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	fixture.enqueue(t, "tenant-1", "CONTACT", "r-1", base)
	fixture.enqueue(t, "tenant-1", "CONTACT", "r-2", base)

	var calls atomic.Int32
	fixture.registry.Register("CONTACT", HandlerFunc(func(context.Context, Event) error {
		calls.Add(1)
		return syncerr.NewSync(syncerr.CodeUpstream, "upstream unavailable", true, nil)
	}))

	worker, err := NewWorker(WorkerConfig{Processor: fixture.processor, Interval: time.Hour, BatchSize: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.EqualValues(t, 1, calls.Load())
}

func TestNewWorkerRequiresProcessor(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.ErrorIs(t, err, errMissingProcessor)
}

func TestNewWorkerClampsBatchSize(t *testing.T) {
	fixture := newProcessorFixture(t, 3)
	worker, err := NewWorker(WorkerConfig{Processor: fixture.processor, BatchSize: 100000})
	require.NoError(t, err)
	assert.Equal(t, MaxBatchSize, worker.batchSize)
}
