package search

import (
	"context"
	"sync"
)

// CancelBus is the subset of cluster.Coordinator's event-bus surface
// cancellation needs: cancel propagates via a cluster-coordinator
// event, and queriers observe the event and abort their streams.
type CancelBus interface {
	Publish(key string, payload []byte) error
}

const cancelPrefix = "/search_cancel/"

// Cancellable tracks one in-flight query's cancellation so the
// coordinator's own goroutines (the Dispatcher) stop as soon as a
// cancel event or timeout fires, independent of whether this process is
// also the one that published the cancel.
type Cancellable struct {
	bus     CancelBus
	traceID string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewCancellable derives a cancellable context for traceID; cancel
// fires if ctx.Done() fires (parent timeout) or Cancel is called.
func NewCancellable(parent context.Context, bus CancelBus, traceID string) (context.Context, *Cancellable) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Cancellable{bus: bus, traceID: traceID, cancel: cancel}
}

// Cancel publishes the cancel event (other nodes' queriers subscribed
// to cancelPrefix see it and abort their streams) and cancels the local
// context.
func (c *Cancellable) Cancel() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.bus == nil {
		return nil
	}
	return c.bus.Publish(cancelPrefix+c.traceID, nil)
}

// OnRemoteCancel should be wired to the coordinator's subscription on
// cancelPrefix (cluster.Coordinator.Subscribe): when an event for this
// traceID arrives from another node, cancel the local context too, so a
// query cancelled at one coordinator is honored everywhere it fanned
// out to.
func (c *Cancellable) OnRemoteCancel(key string) {
	if key != cancelPrefix+c.traceID {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
