package merchant

import "sync"

type completionState int

const (
	completionPending completionState = iota
	// completionClaimed means a callback owns the slot and will resolve it.
	completionClaimed
	completionResolved
)

// completion is a one-shot result slot. The first resolve wins; later calls are ignored.
// A callback claims the slot before exchanging its code so that a timeout or
// cancellation cannot resolve it while the exchange is in flight.
type completion struct {
	mu     sync.Mutex
	state  completionState
	done   chan struct{}
	record *Record
	err    error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

// claim reserves the slot for the caller. It fails once the slot is claimed or resolved.
func (c *completion) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != completionPending {
		return false
	}
	c.state = completionClaimed
	return true
}

// abandon fails the slot only while nobody has claimed it.
func (c *completion) abandon(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != completionPending {
		return false
	}
	c.settle(nil, err)
	return true
}

func (c *completion) succeed(record *Record) bool { return c.resolve(record, nil) }

func (c *completion) fail(err error) bool { return c.resolve(nil, err) }

// resolve stores the outcome and reports whether this call resolved the slot.
func (c *completion) resolve(record *Record, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == completionResolved {
		return false
	}
	c.settle(record, err)
	return true
}

func (c *completion) settle(record *Record, err error) {
	c.state = completionResolved
	c.record = record.Clone()
	c.err = err
	close(c.done)
}

// Done is closed once the slot is resolved.
func (c *completion) Done() <-chan struct{} { return c.done }

// result returns the outcome. Only meaningful after Done is closed.
func (c *completion) result() (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone(), c.err
}
