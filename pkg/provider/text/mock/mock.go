// Package mock provides a test double for text.Completer.
package mock

import (
	"context"
	"sync"

	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// Completer is a mock implementation of text.Completer.
type Completer struct {
	mu sync.Mutex

	// Result is returned by Complete when Err is nil.
	Result text.Completion

	// Err, if non-nil, is returned by Complete.
	Err error

	// Calls records every request passed to Complete in order.
	Calls []text.Request
}

var _ text.Completer = (*Completer)(nil)

// Complete records the call and returns Result, Err.
func (c *Completer) Complete(_ context.Context, req text.Request) (text.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, req)
	if c.Err != nil {
		return text.Completion{}, c.Err
	}
	return c.Result, nil
}

// CallCount returns the number of Complete calls. Thread-safe.
func (c *Completer) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
