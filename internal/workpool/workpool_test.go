package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}

	var inflight, peak atomic.Int32
	res := Run(context.Background(), items, Options{Width: 3}, func(_ context.Context, n int) (int, error) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return n * n, nil
	})

	if p := peak.Load(); p > 3 || p < 1 {
		t.Fatalf("peak concurrency: got %d want 1..3", p)
	}
	for i, r := range res {
		if r.Index != i || r.Item != i || r.Value != i*i || r.Err != nil {
			t.Fatalf("result %d out of order or wrong: %+v", i, r)
		}
	}
}

func TestRun_DefaultWidth(t *testing.T) {
	t.Parallel()

	items := make([]int, 32)
	var inflight, peak atomic.Int32
	release := make(chan struct{})
	var once sync.Once

	go func() {
		time.Sleep(50 * time.Millisecond)
		once.Do(func() { close(release) })
	}()
	Run(context.Background(), items, Options{}, func(context.Context, int) (struct{}, error) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		return struct{}{}, nil
	})
	if p := peak.Load(); p != DefaultWidth {
		t.Fatalf("peak concurrency: got %d want %d", p, DefaultWidth)
	}
}

func TestRun_FailuresAreIsolated(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	res := Run(context.Background(), []int{1, 2, 3, 4}, Options{Width: 2}, func(_ context.Context, n int) (int, error) {
		if n%2 == 0 {
			return 0, boom
		}
		return n, nil
	})
	var failed int
	for _, r := range res {
		if r.Err != nil {
			if !errors.Is(r.Err, boom) {
				t.Fatalf("unexpected error: %v", r.Err)
			}
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("failed: got %d want 2", failed)
	}
}

func TestRun_DeadlineStopsAdmission(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	var clock atomic.Int64
	now := func() time.Time { return start.Add(time.Duration(clock.Load())) }

	var ran atomic.Int32
	res := Run(context.Background(), []int{0, 1, 2, 3, 4}, Options{
		Width:    1,
		Deadline: start.Add(2 * time.Second),
		Now:      now,
	}, func(_ context.Context, n int) (int, error) {
		ran.Add(1)
		// Each item takes one simulated second.
		clock.Add(int64(time.Second))
		return n, nil
	})

	if ran.Load() != 2 {
		t.Fatalf("ran: got %d want 2", ran.Load())
	}
	for i, r := range res {
		wantAdmitted := i < 2
		if r.Admitted() != wantAdmitted {
			t.Fatalf("item %d: admitted=%v want %v (err=%v)", i, r.Admitted(), wantAdmitted, r.Err)
		}
	}
}

func TestRun_CanceledContextAdmitsNothing(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, []int{1, 2}, Options{}, func(context.Context, int) (int, error) {
		t.Errorf("fn must not run")
		return 0, nil
	})
	for _, r := range res {
		if !errors.Is(r.Err, ErrNotAdmitted) || !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("expected not admitted with context.Canceled, got %v", r.Err)
		}
	}
}
