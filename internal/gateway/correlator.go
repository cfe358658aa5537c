package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cashflowdash/chatbridge/internal/metrics"
)

// result is the settled outcome of a pending request.
type result struct {
	payload json.RawMessage
	err     error
}

// pendingRequest tracks one in-flight request until it is settled.
type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

// correlator maps request ids to pending completions. The first of
// {matching response, timeout, cancelAll} to act settles an id; later
// actions on the same id are no-ops.
type correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[string]*pendingRequest),
	}
}

// next allocates a fresh request id.
func (c *correlator) next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return fmt.Sprintf("msg-%d", c.nextID)
}

// register adds a pending record for id with the given timeout and returns
// the channel its outcome will be delivered on. The channel receives exactly
// one value.
func (c *correlator) register(id string, timeout time.Duration) <-chan result {
	p := &pendingRequest{
		ch: make(chan result, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.fail(id, ErrRequestTimeout)
	})

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	metrics.GatewayPendingRequests.Inc()
	return p.ch
}

// complete settles id with a successful payload.
func (c *correlator) complete(id string, payload json.RawMessage) {
	if p := c.take(id); p != nil {
		p.ch <- result{payload: payload}
	}
}

// fail settles id with an error.
func (c *correlator) fail(id string, err error) {
	if p := c.take(id); p != nil {
		p.ch <- result{err: err}
	}
}

// cancelAll drains every pending record with the same error. Used when the
// session leaves the Connected state.
func (c *correlator) cancelAll(err error) {
	c.mu.Lock()
	drained := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		drained = append(drained, p)
	}
	c.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.ch <- result{err: err}
		metrics.GatewayPendingRequests.Dec()
	}
}

// take removes and returns the pending record for id, or nil if it was
// already settled. Only the goroutine that removes the record may send on
// its channel, which makes settlement exactly-once.
func (c *correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	p.timer.Stop()
	metrics.GatewayPendingRequests.Dec()
	return p
}

// size reports the number of unsettled requests.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
