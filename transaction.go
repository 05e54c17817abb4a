package sapi

import (
	"time"
)

// Transaction wraps a user function with retry semantics around a
// stateful sandbox: when the function or the sandbox fails and retries
// remain, the worker is torn down and re-initialized before the next
// attempt.
type Transaction struct {
	sb      *Sandbox
	retries int
	budget  time.Duration
}

// TransactionOption tunes a Transaction.
type TransactionOption func(*Transaction)

// WithRetries sets how many times Run may re-initialize and retry after a
// failure. The default is zero: one attempt.
func WithRetries(n int) TransactionOption {
	return func(t *Transaction) {
		if n > 0 {
			t.retries = n
		}
	}
}

// WithTimeBudget bounds each attempt by arming the worker's wall clock
// after initialization.
func WithTimeBudget(d time.Duration) TransactionOption {
	return func(t *Transaction) {
		if d > 0 {
			t.budget = d
		}
	}
}

// NewTransaction takes ownership of a freshly built sandbox.
func NewTransaction(sb *Sandbox, opts ...TransactionOption) *Transaction {
	t := &Transaction{sb: sb}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Sandbox exposes the wrapped sandbox, e.g. for a final Close.
func (t *Transaction) Sandbox() *Sandbox { return t.sb }

// Run executes fn against an initialized sandbox. Initialization failures
// and fn errors both consume retries; the user function runs at most
// retries+1 times. The last error is surfaced when the budget is spent.
func (t *Transaction) Run(fn func(*Sandbox) error) error {
	var err error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			t.sb.Terminate(false)
		}
		if err = t.init(); err != nil {
			continue
		}
		if err = fn(t.sb); err == nil {
			return nil
		}
		t.sb.log.Warn("transaction attempt failed",
			"attempt", attempt+1, "error", err)
	}
	return err
}

// Restart forces a teardown and re-initialization without running a user
// function.
func (t *Transaction) Restart() error {
	t.sb.Terminate(false)
	return t.init()
}

func (t *Transaction) init() error {
	if !t.sb.IsActive() {
		if err := t.sb.Init(); err != nil {
			return err
		}
	}
	if t.budget > 0 {
		if err := t.sb.SetWallTimeLimit(t.budget); err != nil {
			return err
		}
	}
	return nil
}
