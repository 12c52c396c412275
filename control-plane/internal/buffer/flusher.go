package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/beatmon/pkg/types"
)

// Sink persists a batch of events. *store.Store satisfies it.
type Sink interface {
	InsertActivity(ctx context.Context, events []types.ActivityEvent) (int, error)
}

// Flusher drains the buffer into the sink.
type Flusher struct {
	buffer   *ActivityBuffer
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	batch    int
	timeout  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewFlusher creates a new buffer flusher. Zero interval or batch use the defaults.
func NewFlusher(buffer *ActivityBuffer, sink Sink, interval time.Duration, batch int, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Flusher{
		buffer:   buffer,
		sink:     sink,
		logger:   logger.With("component", "activity_flusher"),
		interval: interval,
		batch:    batch,
		timeout:  10 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("activity flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop flushes what is queued and waits for the loop to exit.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
	f.logger.Info("activity flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	pending := make([]types.ActivityEvent, 0, f.batch)
	for {
		select {
		case <-f.stopCh:
			// Final flush before stopping
			pending = f.drain(pending)
			f.flush(pending)
			return
		case e := <-f.buffer.events:
			pending = append(pending, e)
			if len(pending) >= f.batch {
				f.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				f.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

// drain moves every queued event into pending, flushing full batches.
func (f *Flusher) drain(pending []types.ActivityEvent) []types.ActivityEvent {
	for {
		select {
		case e := <-f.buffer.events:
			pending = append(pending, e)
			if len(pending) >= f.batch {
				f.flush(pending)
				pending = pending[:0]
			}
		default:
			return pending
		}
	}
}

func (f *Flusher) flush(events []types.ActivityEvent) {
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	start := time.Now()
	n, err := f.sink.InsertActivity(ctx, events)
	if err != nil {
		f.logger.Error("failed to write activity",
			"error", err,
			"count", len(events),
		)
		return
	}

	f.logger.Debug("flushed activity",
		"count", n,
		"remaining", f.buffer.Len(),
		"duration", time.Since(start),
	)
}
