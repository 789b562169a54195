// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Open calls and hand out a controlled Channel. Use
// Channel to script remote events with Emit and to inspect the audio chunks a
// session sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channel: ch}
//	sess := voice.New(p, dev, cfg)
//	go sess.Start(ctx)
//	ch.Emit(live.Event{Kind: live.EventOpened})
package mock

import (
	"context"
	"sync"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Cfg is the Config passed to Open.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Open. If nil, Open returns a fresh Channel.
	Channel *Channel

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// BlockOpen makes Open wait until its context is done and return the
	// context error, simulating an unreachable endpoint.
	BlockOpen bool

	// WireFormat is returned by Format. Zero values default to 16 kHz in and
	// 24 kHz out.
	WireFormat live.Format

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Open records the call and returns Channel, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Cfg: cfg})
	block := p.BlockOpen
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Channel == nil {
		p.Channel = NewChannel()
	}
	return p.Channel, nil
}

// Format returns WireFormat with defaults applied.
func (p *Provider) Format() live.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.WireFormat
	if f.InputRate == 0 {
		f.InputRate = 16000
	}
	if f.OutputRate == 0 {
		f.OutputRate = 24000
	}
	return f
}

// Calls returns a copy of the recorded Open calls.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenCall, len(p.OpenCalls))
	copy(out, p.OpenCalls)
	return out
}

// Channel is a mock implementation of live.Channel.
type Channel struct {
	events chan live.Event
	sent   chan pcm.EncodedChunk

	mu         sync.Mutex
	closed     bool
	closeCount int

	// SendErr, if non-nil, is returned by Send.
	SendErr error
}

// Ensure Channel implements live.Channel at compile time.
var _ live.Channel = (*Channel)(nil)

// NewChannel returns a Channel with buffered event and send queues.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan live.Event, 64),
		sent:   make(chan pcm.EncodedChunk, 256),
	}
}

// Emit delivers ev to the consumer. It reports false if the channel was
// closed. Emitting a terminal event closes the events channel afterwards,
// mirroring real adapters.
func (c *Channel) Emit(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	if ev.Terminal() {
		c.closed = true
		close(c.events)
	}
	return true
}

// Events implements live.Channel.
func (c *Channel) Events() <-chan live.Event { return c.events }

// Send records chunk. Chunks can be read back with Sent.
func (c *Channel) Send(_ context.Context, chunk pcm.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed {
		return live.ErrClosed
	}
	select {
	case c.sent <- chunk:
	default:
	}
	return nil
}

// Sent returns the channel of chunks passed to Send.
func (c *Channel) Sent() <-chan pcm.EncodedChunk { return c.sent }

// SetSendErr sets the error returned by subsequent Send calls.
func (c *Channel) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendErr = err
}

// Close implements live.Channel. The events channel is closed on first call.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (c *Channel) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}
