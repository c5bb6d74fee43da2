package fullmetal

import "sync"

// callbacks holds one handler per event. Setting a handler replaces the
// previous one.
type callbacks struct {
	mu            sync.RWMutex
	response      func(Response)
	queue         func(QueueUpdate)
	err           func(error)
	authenticated func()
	terminated    func(Termination)
	stateChange   StateChangeFunc
}

func (c *callbacks) setResponse(fn func(Response)) {
	c.mu.Lock()
	c.response = fn
	c.mu.Unlock()
}

func (c *callbacks) setQueue(fn func(QueueUpdate)) {
	c.mu.Lock()
	c.queue = fn
	c.mu.Unlock()
}

func (c *callbacks) setError(fn func(error)) {
	c.mu.Lock()
	c.err = fn
	c.mu.Unlock()
}

func (c *callbacks) setAuthenticated(fn func()) {
	c.mu.Lock()
	c.authenticated = fn
	c.mu.Unlock()
}

func (c *callbacks) setTerminated(fn func(Termination)) {
	c.mu.Lock()
	c.terminated = fn
	c.mu.Unlock()
}

func (c *callbacks) setStateChange(fn StateChangeFunc) {
	c.mu.Lock()
	c.stateChange = fn
	c.mu.Unlock()
}

func (c *callbacks) onResponse() func(Response) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.response
}

func (c *callbacks) onQueue() func(QueueUpdate) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

func (c *callbacks) onError() func(error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *callbacks) onAuthenticated() func() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *callbacks) onTerminated() func(Termination) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminated
}

func (c *callbacks) onStateChange() StateChangeFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateChange
}
