package worker

import (
	"context"
	"sync"
	"time"
)

// Pool runs jobs on at most size goroutines.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go blocks until a slot is free and then runs job on its own goroutine.
// It returns false without running job when ctx ends first.
func (p *Pool) Go(ctx context.Context, job func(ctx context.Context)) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		job(ctx)
	}()
	return true
}

// Wait blocks until every started job returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Backoff is the delay before attempt number attempts+1: 1s, 2s, 4s, ...
// capped at max (60s when max is not positive).
func Backoff(attempts int, max time.Duration) time.Duration {
	if max <= 0 {
		max = time.Minute
	}
	if attempts <= 0 {
		return min(time.Second, max)
	}
	if attempts > 30 {
		return max
	}
	d := time.Duration(1<<(attempts-1)) * time.Second // 1,2,4,8...
	if d > max {
		d = max
	}
	return d
}
