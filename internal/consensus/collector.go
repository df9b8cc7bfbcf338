package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RoundState is the collector's position in the round lifecycle.
type RoundState int

const (
	StateCollecting RoundState = iota + 1
	StateEvaluating
	StateCancelled
	StateDone
)

func (s RoundState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateEvaluating:
		return "evaluating"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Collector gathers one round's agent outputs concurrently. Submissions may
// arrive from any number of goroutines; collection closes when every
// expected agent has reported or the deadline elapses, whichever is first.
// Agents missing at the deadline become zero-weight abstentions, never
// errors. Cancellation is permitted only before the Evaluating transition.
type Collector struct {
	mu          sync.Mutex
	id          string
	domain      string
	expected    map[string]struct{}
	order       []string // expected ids in registration order
	submissions []Submission
	received    map[string]struct{}
	state       RoundState
	complete    chan struct{}
	closed      chan struct{} // closed on the first seal or cancel
	timeout     time.Duration
}

// NewCollector opens a round in the Collecting state.
func NewCollector(id, domain string, expected []string, timeout time.Duration) (*Collector, error) {
	if id == "" {
		return nil, fmt.Errorf("round id cannot be empty")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("round timeout must be positive")
	}
	exp := make(map[string]struct{}, len(expected))
	order := make([]string, 0, len(expected))
	for _, a := range expected {
		if _, dup := exp[a]; dup {
			continue
		}
		exp[a] = struct{}{}
		order = append(order, a)
	}
	if len(exp) == 0 {
		return nil, fmt.Errorf("round requires at least one expected agent")
	}
	return &Collector{
		id:       id,
		domain:   domain,
		expected: exp,
		order:    order,
		received: make(map[string]struct{}, len(exp)),
		state:    StateCollecting,
		complete: make(chan struct{}),
		closed:   make(chan struct{}),
		timeout:  timeout,
	}, nil
}

// ID returns the round identifier.
func (c *Collector) ID() string { return c.id }

// Domain returns the round's domain tag.
func (c *Collector) Domain() string { return c.domain }

// State returns the collector's current lifecycle state.
func (c *Collector) State() RoundState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit records one agent's output. Rejects outputs after the round left
// Collecting, from agents outside the expected set, duplicates, and numeric
// payloads beyond MaxNumericMagnitude.
func (c *Collector) Submit(sub Submission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCollecting {
		return fmt.Errorf("%w: round %s is %s", ErrRoundClosed, c.id, c.state)
	}
	if _, ok := c.expected[sub.AgentID]; !ok {
		return fmt.Errorf("%w: %s in round %s", ErrUnexpectedAgent, sub.AgentID, c.id)
	}
	if _, dup := c.received[sub.AgentID]; dup {
		return fmt.Errorf("%w: %s in round %s", ErrDuplicateSubmission, sub.AgentID, c.id)
	}
	if sub.Numeric != nil && (*sub.Numeric > MaxNumericMagnitude || *sub.Numeric < -MaxNumericMagnitude) {
		return fmt.Errorf("%w: %d from %s in round %s", ErrNumericOutOfRange, *sub.Numeric, sub.AgentID, c.id)
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now()
	}
	c.received[sub.AgentID] = struct{}{}
	c.submissions = append(c.submissions, sub)
	if len(c.received) == len(c.expected) {
		close(c.complete)
	}
	return nil
}

// Wait blocks until the round is complete, the collection timeout elapses,
// or ctx is cancelled, then transitions to Evaluating and returns the closed
// immutable Round. A context cancellation before the transition behaves like
// an operator abort and returns the context error.
func (c *Collector) Wait(ctx context.Context) (Round, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-c.complete:
	case <-timer.C:
		// Missing agents become abstentions; the round closes with what it has.
	case <-c.closed:
		// Someone else sealed or cancelled the round first.
		return Round{}, fmt.Errorf("%w: round %s already sealed", ErrRoundClosed, c.id)
	case <-ctx.Done():
		if err := c.Cancel(); err != nil {
			return Round{}, err
		}
		return Round{}, ctx.Err()
	}
	return c.seal()
}

// Close forces the round out of Collecting immediately (operator-initiated
// early close) and returns the sealed Round.
func (c *Collector) Close() (Round, error) {
	return c.seal()
}

// Cancel aborts the round. Only legal while Collecting: once evaluation
// begins the round runs to its single terminal outcome.
func (c *Collector) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCollecting {
		return fmt.Errorf("%w: cannot cancel round %s in state %s", ErrRoundClosed, c.id, c.state)
	}
	c.state = StateCancelled
	close(c.closed)
	return nil
}

// MarkDone records the terminal transition after evaluation.
func (c *Collector) MarkDone() {
	c.mu.Lock()
	c.state = StateDone
	c.mu.Unlock()
}

func (c *Collector) seal() (Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateCancelled:
		return Round{}, fmt.Errorf("%w: round %s cancelled", ErrRoundClosed, c.id)
	case StateEvaluating, StateDone:
		return Round{}, fmt.Errorf("%w: round %s already sealed", ErrRoundClosed, c.id)
	}
	c.state = StateEvaluating
	close(c.closed)
	subs := make([]Submission, len(c.submissions))
	copy(subs, c.submissions)
	expected := make([]string, len(c.order))
	copy(expected, c.order)
	return Round{
		ID:          c.id,
		Domain:      c.domain,
		Expected:    expected,
		Submissions: subs,
		ClosedAt:    time.Now(),
	}, nil
}
