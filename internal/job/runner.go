package job

import (
	"context"
	"sync"
)

// Job is a background loop that runs until Stop is called or its context ends.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Runner owns the background jobs of the process.
type Runner struct {
	jobs   []Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewRunner(jobs ...Job) *Runner {
	return &Runner{jobs: jobs}
}

// Start launches every job in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, j := range r.jobs {
		r.wg.Add(1)
		go func(j Job) {
			defer r.wg.Done()
			j.Start(ctx)
		}(j)
	}
}

// Shutdown stops scheduling new cycles and waits for the running ones to
// finish. The jobs' context is cancelled only after that.
func (r *Runner) Shutdown() {
	for _, j := range r.jobs {
		j.Stop()
	}
	r.wg.Wait()
	if r.cancel != nil {
		r.cancel()
	}
}

// stopped reports whether ch is closed, so a tick that raced with Stop does
// not start another cycle.
func stopped(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
