package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testConfig() Config {
	return Config{
		MaxConcurrent:      2,
		MaxQueueSize:       100,
		RetryAttempts:      3,
		RetryDelay:         10 * time.Millisecond,
		ProcessingInterval: 5 * time.Millisecond,
		EnablePriority:     true,
		EnableRetry:        true,
	}
}

func TestDispatcherCompletesItems(t *testing.T) {
	q := New(testConfig())
	d := NewDispatcher(q, func(_ context.Context, item *Item) (interface{}, error) {
		return "done:" + item.Request.(string), nil
	}, zerolog.Nop())

	id, _ := q.Enqueue("work", Context{}, PriorityNormal, "validation", 0)
	d.Start()
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		item, _ := q.Item(id)
		return item.Status == StatusCompleted
	})

	item, _ := q.Item(id)
	if item.Result != "done:work" {
		t.Errorf("result = %v", item.Result)
	}
	if item.Attempts != 1 || item.CompletedAt == nil {
		t.Errorf("item = %+v", item)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	q := New(testConfig())
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, zerolog.Nop())

	id, _ := q.Enqueue("flaky", Context{}, PriorityNormal, "validation", 3)
	d.Start()
	defer d.Stop()

	waitFor(t, 5*time.Second, func() bool {
		item, _ := q.Item(id)
		return item.Status == StatusCompleted
	})

	item, _ := q.Item(id)
	if item.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", item.Attempts)
	}
	if d.Stats().RetriedTotal != 2 {
		t.Errorf("retried = %d, want 2", d.Stats().RetriedTotal)
	}
}

func TestDispatcherTerminalFailure(t *testing.T) {
	q := New(testConfig())
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		return nil, errors.New("broken upstream")
	}, zerolog.Nop())

	id, _ := q.Enqueue("doomed", Context{}, PriorityNormal, "validation", 2)
	d.Start()
	defer d.Stop()

	waitFor(t, 5*time.Second, func() bool {
		item, _ := q.Item(id)
		return item.Status == StatusFailed
	})

	item, _ := q.Item(id)
	if item.Attempts != 2 || item.LastError != "broken upstream" {
		t.Errorf("item = %+v", item)
	}
}

func TestDispatcherRetryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRetry = false

	q := New(cfg)
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		return nil, errors.New("boom")
	}, zerolog.Nop())

	id, _ := q.Enqueue("once", Context{}, PriorityNormal, "validation", 5)
	d.Start()
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		item, _ := q.Item(id)
		return item.Status == StatusFailed
	})

	item, _ := q.Item(id)
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 with retries disabled", item.Attempts)
	}
}

func TestDispatcherHonorsConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2

	var mu sync.Mutex
	var inFlight, peak int
	release := make(chan struct{})

	q := New(cfg)
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}, zerolog.Nop())

	for i := 0; i < 6; i++ {
		q.Enqueue(i, Context{}, PriorityNormal, "validation", 0)
	}
	d.Start()
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 2
	})
	close(release)

	waitFor(t, 2*time.Second, func() bool {
		return d.Stats().CompletedTotal == 6
	})

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, cap is 2", peak)
	}
}

func TestDispatcherCancelBeforeExecution(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessingInterval = time.Hour // nothing dispatches on its own

	q := New(cfg)
	var executed atomic.Bool
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		executed.Store(true)
		return nil, nil
	}, zerolog.Nop())

	id, _ := q.Enqueue("work", Context{}, PriorityNormal, "validation", 0)
	if !q.Cancel(id) {
		t.Fatal("cancel failed")
	}

	d.Start()
	d.fillSlots(context.Background())
	d.Stop()

	if executed.Load() {
		t.Fatal("cancelled item must not execute")
	}
	item, _ := q.Item(id)
	if item.Status != StatusCancelled {
		t.Fatalf("status = %s", item.Status)
	}
}

func TestDispatcherStatsAggregation(t *testing.T) {
	q := New(testConfig())
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		return nil, nil
	}, zerolog.Nop())

	q.Enqueue("a", Context{}, PriorityHigh, "validation", 0)
	q.Enqueue("b", Context{}, PriorityNormal, "bulk", 0)

	stats := d.Stats()
	if stats.Running {
		t.Error("dispatcher not started yet")
	}
	if stats.Queued != 2 || stats.ByPriority["HIGH"] != 1 || stats.ByType["bulk"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	d.Start()
	defer d.Stop()
	waitFor(t, 2*time.Second, func() bool {
		return d.Stats().CompletedTotal == 2
	})

	stats = d.Stats()
	if stats.Queued != 0 || !stats.Running {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDispatcherStartStopIdempotent(t *testing.T) {
	q := New(testConfig())
	d := NewDispatcher(q, func(_ context.Context, _ *Item) (interface{}, error) {
		return nil, nil
	}, zerolog.Nop())

	d.Start()
	d.Start()
	if !d.Running() {
		t.Fatal("dispatcher must be running")
	}
	d.Stop()
	d.Stop()
	if d.Running() {
		t.Fatal("dispatcher must be stopped")
	}
}
