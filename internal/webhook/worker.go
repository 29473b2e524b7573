package webhook

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultProcessInterval = 10 * time.Second

var errMissingProcessor = errors.New("webhook: processor is required")

// WorkerConfig describes the background drain loop.
type WorkerConfig struct {
	Processor *Processor
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger
}

// Worker drains stored events on a fixed interval.
type Worker struct {
	processor *Processor
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Processor == nil {
		return nil, errMissingProcessor
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProcessInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{processor: cfg.Processor, interval: interval, batchSize: batchSize, logger: logger}, nil
}

// Run drains once immediately and then on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("webhook worker started",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("webhook worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		summary, err := w.processor.ProcessPending(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("webhook drain failed",
					zap.String("operation", "webhook.worker"),
					zap.String("reason", "process_failed"),
					zap.Error(err))
			}
			return
		}
		// A short batch means the queue is drained for now. Deferred or failed events wait for their
		// next attempt time, so the next tick picks up whatever remains.
		if summary.Claimed < w.batchSize || summary.Deferred > 0 || summary.Failed > 0 {
			return
		}
	}
}
