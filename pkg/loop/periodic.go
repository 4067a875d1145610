package loop

import (
	"context"
	"sync"
	"time"
)

// PeriodicTask runs fn on a fixed interval in its own goroutine until
// Stop is called. A task runs at most once. Stop is idempotent and waits
// for the goroutine to exit, so fn must not call it.
type PeriodicTask struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func NewPeriodicTask(interval time.Duration, fn func()) *PeriodicTask {
	return &PeriodicTask{
		interval: interval,
		fn:       fn,
		done:     make(chan struct{}),
	}
}

// Start launches the loop. It returns false if the task was already
// started or stopped.
func (p *PeriodicTask) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return false
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return true
}

func (p *PeriodicTask) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a tick racing with Stop must not run fn after Stop returned
			if ctx.Err() != nil {
				return
			}
			p.fn()
		}
	}
}

// Stop cancels the loop and waits for the running fn to finish.
func (p *PeriodicTask) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-p.done
}

// Running reports whether the loop has been started and not stopped.
func (p *PeriodicTask) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
