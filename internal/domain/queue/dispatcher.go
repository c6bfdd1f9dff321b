package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor runs one item's request. The dispatcher records the returned
// value on the item.
type Executor func(ctx context.Context, item *Item) (interface{}, error)

// Stats is a point-in-time view of the queue and its throughput.
type Stats struct {
	Running         bool           `json:"running"`
	Queued          int            `json:"queued"`
	Processing      int            `json:"processing"`
	ByStatus        map[Status]int `json:"byStatus"`
	ByPriority      map[string]int `json:"byPriority"`
	ByType          map[string]int `json:"byType"`
	AvgProcessingMs int64          `json:"avgProcessingMs"`
	CompletedTotal  int            `json:"completedTotal"`
	FailedTotal     int            `json:"failedTotal"`
	CancelledTotal  int            `json:"cancelledTotal"`
	RetriedTotal    int            `json:"retriedTotal"`
}

// Dispatcher drains the queue through bounded execution slots. A single
// scheduler goroutine assigns work; executions run in parallel.
type Dispatcher struct {
	queue    *Queue
	executor Executor
	cfg      Config
	logger   zerolog.Logger

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	processing int
	retried    int
	backoffs   map[uuid.UUID]*backoff.ExponentialBackOff
	durations  []time.Duration // ring of recent processing times
	durIdx     int
}

const durationWindow = 100

// NewDispatcher creates a dispatcher over the queue.
func NewDispatcher(q *Queue, executor Executor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		executor: executor,
		cfg:      q.cfg,
		logger:   logger.With().Str("component", "queue-dispatcher").Logger(),
		backoffs: make(map[uuid.UUID]*backoff.ExponentialBackOff),
	}
}

// Start launches the scheduler. The dispatcher runs until Stop is
// called; it does not borrow the caller's context. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	d.logger.Info().Int("max_concurrent", d.cfg.MaxConcurrent).Msg("queue dispatcher started")
	go d.run(ctx, done)
}

// Stop halts scheduling, cancels in-flight executions, and waits for
// the scheduler to exit. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Info().Msg("queue dispatcher stopped")
}

// Running reports whether the scheduler is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fillSlots(ctx)
		}
	}
}

// fillSlots dispatches runnable items until the slots are full or the
// queue has nothing due.
func (d *Dispatcher) fillSlots(ctx context.Context) {
	for {
		d.mu.Lock()
		free := d.processing < d.cfg.MaxConcurrent && d.running
		d.mu.Unlock()
		if !free {
			return
		}

		item := d.queue.dequeue(time.Now().UTC())
		if item == nil {
			return
		}

		d.mu.Lock()
		d.processing++
		d.mu.Unlock()

		go d.execute(ctx, item)
	}
}

func (d *Dispatcher) execute(ctx context.Context, item *Item) {
	defer func() {
		d.mu.Lock()
		d.processing--
		d.mu.Unlock()
	}()

	if d.queue.isCancelRequested(item) {
		d.queue.complete(item, StatusCancelled, nil, "")
		return
	}

	start := time.Now()
	result, err := d.executor(ctx, item)
	elapsed := time.Since(start)

	if d.queue.isCancelRequested(item) {
		d.queue.complete(item, StatusCancelled, nil, "")
		d.forgetBackoff(item.ID)
		return
	}

	if err == nil {
		d.queue.complete(item, StatusCompleted, result, "")
		d.recordDuration(elapsed)
		d.forgetBackoff(item.ID)
		return
	}

	if d.cfg.EnableRetry && item.Attempts < item.MaxAttempts {
		delay := d.nextDelay(item.ID)
		d.queue.requeue(item, delay)
		d.mu.Lock()
		d.retried++
		d.mu.Unlock()
		d.logger.Warn().Err(err).
			Str("item_id", item.ID.String()).
			Int("attempt", item.Attempts).
			Dur("retry_in", delay).
			Msg("queue item failed, retrying")
		return
	}

	d.queue.complete(item, StatusFailed, nil, err.Error())
	d.recordDuration(elapsed)
	d.forgetBackoff(item.ID)
	d.logger.Error().Err(err).
		Str("item_id", item.ID.String()).
		Int("attempts", item.Attempts).
		Msg("queue item failed terminally")
}

// nextDelay advances the item's exponential backoff, seeded from the
// configured base retry delay.
func (d *Dispatcher) nextDelay(id uuid.UUID) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	bo, ok := d.backoffs[id]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = d.cfg.RetryDelay
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts
		bo.Reset()
		d.backoffs[id] = bo
	}
	return bo.NextBackOff()
}

func (d *Dispatcher) forgetBackoff(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.backoffs, id)
}

func (d *Dispatcher) recordDuration(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.durations) < durationWindow {
		d.durations = append(d.durations, elapsed)
		return
	}
	d.durations[d.durIdx] = elapsed
	d.durIdx = (d.durIdx + 1) % durationWindow
}

// Stats aggregates queue totals and the rolling average processing
// time.
func (d *Dispatcher) Stats() Stats {
	items := d.queue.Items()

	stats := Stats{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[string]int),
		ByType:     make(map[string]int),
	}
	for _, item := range items {
		stats.ByStatus[item.Status]++
		stats.ByPriority[item.Priority.String()]++
		stats.ByType[item.Type]++
		switch item.Status {
		case StatusCompleted:
			stats.CompletedTotal++
		case StatusFailed:
			stats.FailedTotal++
		case StatusCancelled:
			stats.CancelledTotal++
		}
	}
	stats.Queued = stats.ByStatus[StatusQueued] + stats.ByStatus[StatusRetrying]

	d.mu.Lock()
	stats.Running = d.running
	stats.Processing = d.processing
	stats.RetriedTotal = d.retried
	if len(d.durations) > 0 {
		var total time.Duration
		for _, dur := range d.durations {
			total += dur
		}
		stats.AvgProcessingMs = (total / time.Duration(len(d.durations))).Milliseconds()
	}
	d.mu.Unlock()

	return stats
}
