package conversation

import "sync"

// chain hands out per-conversation tickets in submission order. A ticket's
// holder may proceed once the previous ticket for the same conversation has
// been released.
type chain struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newChain() *chain {
	return &chain{tails: make(map[string]chan struct{})}
}

type ticket struct {
	id   string
	prev <-chan struct{} // nil for the first ticket in line
	done chan struct{}
}

// take appends a ticket to the conversation's chain.
func (c *chain) take(id string) *ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ticket{id: id, prev: c.tails[id], done: make(chan struct{})}
	c.tails[id] = t.done
	return t
}

// ready returns a channel that is closed when t may proceed.
func (t *ticket) ready() <-chan struct{} {
	if t.prev == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.prev
}

// release marks t finished. It must only be called once t is ready.
func (c *chain) release(t *ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(t.done)
	if c.tails[t.id] == t.done {
		delete(c.tails, t.id)
	}
}

// releaseInOrder releases t as soon as it becomes ready, without blocking
// the caller.
func (c *chain) releaseInOrder(t *ticket) {
	if t.prev == nil {
		c.release(t)
		return
	}
	go func() {
		<-t.prev
		c.release(t)
	}()
}

func (c *chain) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tails)
}
