package transcode

import (
	"context"
	"runtime"
	"sync"
)

// Pool runs CPU-bound work on a fixed number of goroutines, so a
// thundering herd of cache misses cannot oversubscribe the host.
type Pool struct {
	tasks     chan task
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	size      int
}

type task struct {
	run  func()
	done chan struct{}
}

// NewPool starts size workers. A size below one means one worker per
// CPU core.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		tasks: make(chan task),
		quit:  make(chan struct{}),
		size:  size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			t.run()
			close(t.done)
		case <-p.quit:
			return
		}
	}
}

// Run executes fn on a pool worker and waits for it to finish. It
// fails with a transient error if the pool shuts down or ctx ends
// before a worker picks the task up; once handed to a worker, fn
// always runs to completion.
func (p *Pool) Run(ctx context.Context, fn func()) error {
	t := task{run: fn, done: make(chan struct{})}
	select {
	case p.tasks <- t:
	case <-p.quit:
		return &TransientError{Err: ErrPoolClosed}
	case <-ctx.Done():
		return &TransientError{Err: ctx.Err()}
	}
	// tasks is unbuffered, so a completed send means a worker has the
	// task and will close done.
	<-t.done
	return nil
}

// Close stops accepting work and waits for running tasks to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
