package render

import (
	"context"
	"sync"
)

// background tracks work a renderer leaves running after Submit returns.
// Each unit runs under its own context so that wait can stop stragglers.
type background struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	next    int
	cancels map[int]context.CancelFunc
}

// start registers one unit of work derived from ctx. The returned func must
// be called exactly once when the work is finished.
func (b *background) start(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if b.cancels == nil {
		b.cancels = make(map[int]context.CancelFunc)
	}
	id := b.next
	b.next++
	b.cancels[id] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	return ctx, func() {
		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
		cancel()
		b.wg.Done()
	}
}

// wait blocks until all work is done. When ctx ends first, the remaining work
// is cancelled and wait returns ctx.Err() with the number of units stopped,
// after they have unwound.
func (b *background) wait(ctx context.Context) (int, error) {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0, nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	stopped := len(b.cancels)
	for _, cancel := range b.cancels {
		cancel()
	}
	b.mu.Unlock()

	<-done
	return stopped, ctx.Err()
}
