package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(3)
	var running, peak, done int32

	for i := 0; i < 20; i++ {
		p.Go(context.Background(), func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
		})
	}
	p.Wait()

	if done != 20 {
		t.Fatalf("done = %d", done)
	}
	if peak > 3 {
		t.Fatalf("peak concurrency = %d", peak)
	}
}

func TestPoolGoRespectsContext(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	p.Go(context.Background(), func(context.Context) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Go(ctx, func(context.Context) { t.Error("job ran after cancel") }) {
		t.Fatal("Go reported success with a cancelled context and no free slot")
	}
	close(release)
	p.Wait()
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		max      time.Duration
		want     time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{4, 0, 8 * time.Second},
		{7, 0, time.Minute},
		{100, 0, time.Minute},
		{5, 10 * time.Second, 10 * time.Second},
		{0, 500 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts, tt.max); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.attempts, tt.max, got, tt.want)
		}
	}
}
