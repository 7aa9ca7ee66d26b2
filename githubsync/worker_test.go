package githubsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// NOTE: These tests are intentionally DB-free. runBatch is the pool the sync
// and tagging drivers share; its counter and cancellation semantics are what
// the job rows ultimately reflect.

func TestRunBatch_CountsAndContinuesPastFailures(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	result := runBatch(context.Background(), items, 4,
		func(_ context.Context, item int) (string, error) {
			if item%5 == 0 {
				return fmt.Sprintf("item:%d", item), errors.New("boom")
			}
			return fmt.Sprintf("item:%d", item), nil
		},
		nil, nil,
	)

	if result.Processed != 20 {
		t.Fatalf("every item must be processed, got %d", result.Processed)
	}
	if result.Failed != 4 || result.Successful != 16 {
		t.Fatalf("unexpected counters: %+v", result)
	}
	if result.Processed != result.Successful+result.Failed {
		t.Fatalf("counter identity violated: %+v", result)
	}
}

func TestRunBatch_BoundedConcurrency(t *testing.T) {
	const workers = 3
	var current, peak int64

	items := make([]int, 30)
	result := runBatch(context.Background(), items, workers,
		func(_ context.Context, _ int) (string, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			atomic.AddInt64(&current, -1)
			return "", nil
		},
		nil, nil,
	)

	if result.Processed != 30 {
		t.Fatalf("expected 30 processed, got %d", result.Processed)
	}
	if atomic.LoadInt64(&peak) > workers {
		t.Fatalf("concurrency exceeded pool size: peak=%d", peak)
	}
}

func TestRunBatch_CancellationStopsDispatch(t *testing.T) {
	var processed int64
	cancelled := func() bool {
		return atomic.LoadInt64(&processed) >= 5
	}

	items := make([]int, 100)
	result := runBatch(context.Background(), items, 1,
		func(_ context.Context, _ int) (string, error) {
			atomic.AddInt64(&processed, 1)
			return "", nil
		},
		nil, cancelled,
	)

	if result.Processed >= 100 {
		t.Fatal("cancellation must stop dispatching new items")
	}
	if result.Processed < 5 {
		t.Fatalf("in-flight work should run to completion, got %d", result.Processed)
	}
}

func TestRunBatch_ProgressFlushes(t *testing.T) {
	var mu sync.Mutex
	var last batchResult
	var failureCount int
	flushes := 0

	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}
	result := runBatch(context.Background(), items, 2,
		func(_ context.Context, item int) (string, error) {
			if item == 7 {
				return "item:7", errors.New("boom")
			}
			return "", nil
		},
		func(done batchResult, failures []itemError) {
			mu.Lock()
			defer mu.Unlock()
			flushes++
			if done.Processed < last.Processed || done.Successful < last.Successful || done.Failed < last.Failed {
				t.Errorf("progress went backwards: %+v after %+v", done, last)
			}
			last = done
			failureCount += len(failures)
		},
		nil,
	)

	if flushes == 0 {
		t.Fatal("progress sink never invoked")
	}
	if last != result {
		t.Fatalf("final flush %+v does not match result %+v", last, result)
	}
	if failureCount != 1 {
		t.Fatalf("expected exactly one reported failure, got %d", failureCount)
	}
}

func TestRunBatch_EmptyInput(t *testing.T) {
	result := runBatch[int](context.Background(), nil, 4,
		func(_ context.Context, _ int) (string, error) { return "", nil },
		nil, nil,
	)
	if result.Processed != 0 {
		t.Fatalf("expected zero work, got %+v", result)
	}
}
