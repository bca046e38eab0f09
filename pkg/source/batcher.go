package source

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// collect groups items read from in into batches of at most size items and
// hands each batch to flush. When timeout is positive a partial batch is
// flushed once it has waited that long. Remaining items are flushed when in
// is closed; nothing is flushed once ctx is done. It returns the number of
// items read but never flushed.
func collect[T any](ctx context.Context, in <-chan T, size int, timeout time.Duration, flush func([]T)) int {
	batch := make([]T, 0, size)

	var timer *time.Timer
	var expired <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, expired = nil, nil
		}
	}
	defer stopTimer()

	emit := func() {
		stopTimer()
		if len(batch) == 0 {
			return
		}
		flush(batch)
		batch = make([]T, 0, size)
	}

	for {
		select {
		case <-ctx.Done():
			return len(batch)

		case item, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return len(batch)
				}
				emit()
				return 0
			}
			batch = append(batch, item)
			if len(batch) >= size {
				emit()
				continue
			}
			if timeout > 0 && timer == nil {
				timer = time.NewTimer(timeout)
				expired = timer.C
			}

		case <-expired:
			timer, expired = nil, nil
			emit()
		}
	}
}

// dispatch batches items from in and runs handle on each batch. A batch
// that has started is handled to completion on a context that outlives
// cancellation of ctx, so stopping never aborts a write halfway.
func dispatch[T any](ctx context.Context, in <-chan T, size int, timeout time.Duration, logger *zap.Logger, handle func(context.Context, []T)) {
	batchCtx := context.WithoutCancel(ctx)
	dropped := collect(ctx, in, size, timeout, func(batch []T) {
		handle(batchCtx, batch)
	})
	if dropped > 0 {
		logger.Debug("dropped unflushed records on stop", zap.Int("records", dropped))
	}
}
