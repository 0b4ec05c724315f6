package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	// OnChange, if set, is called after every state transition with the
	// error class that opened the circuit.
	OnChange func(from, to CircuitState, errClass string)

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

// Allow returns whether a new stream may be opened at this instant.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	if c.state != CircuitOpen {
		c.mu.Unlock()
		return true
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		c.mu.Unlock()
		return false
	}
	notify := c.transition(CircuitHalfOpen)
	c.mu.Unlock()
	notify()
	return true
}

// RecordSuccess closes the circuit and forgets earlier failures.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	c.failures = map[string]int{}
	notify := c.transition(CircuitClosed)
	c.openedClass = ""
	c.mu.Unlock()
	notify()
}

// RecordFailure counts an error of the given class. A failure while half
// open reopens the circuit immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.mu.Lock()
	notify := func() {}
	if c.state == CircuitHalfOpen {
		c.openedAt = now
		c.openedClass = errClass
		notify = c.transition(CircuitOpen)
	} else if c.state == CircuitClosed {
		c.failures[errClass]++
		if c.failures[errClass] >= c.Threshold {
			c.openedAt = now
			c.openedClass = errClass
			notify = c.transition(CircuitOpen)
		}
	}
	c.mu.Unlock()
	notify()
}

// transition must be called with mu held. The returned func runs OnChange
// and must be called after mu is released.
func (c *CircuitBreaker) transition(to CircuitState) func() {
	from := c.state
	c.state = to
	if from == to || c.OnChange == nil {
		return func() {}
	}
	class, onChange := c.openedClass, c.OnChange
	return func() { onChange(from, to, class) }
}
