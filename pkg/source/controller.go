package source

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// controller runs a stream function once between Start and Stop
type controller struct {
	run func(ctx context.Context) error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newController(run func(ctx context.Context) error) *controller {
	return &controller{
		run:  run,
		done: make(chan struct{}),
	}
}

// Start runs the stream and blocks until it ends, Stop is called or ctx is done
func (c *controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("stream already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	defer close(c.done)
	defer c.cancel()

	err := c.run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stop cancels a running stream and waits for it to return, including any
// batch the handler is still processing
func (c *controller) Stop() error {
	c.mu.Lock()
	started, cancel := c.started, c.cancel
	c.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	<-c.done
	return nil
}
