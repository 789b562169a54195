// Package playback schedules decoded audio buffers back to back on an
// [audio.Output] clock and supports barge-in interruption.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// Scheduled describes where a buffer was placed on the output clock.
type Scheduled struct {
	ID    uint64
	Start time.Duration
	End   time.Duration
}

// Scheduler places buffers gaplessly: each buffer starts at the later of the
// output clock and the end of the previously scheduled buffer. Every started
// buffer is tracked in an active set until it ends. [Scheduler.Interrupt]
// stops every buffer of the current playback run, including those that have
// already ended. A run lasts until the active set drains or the next
// interrupt.
//
// Schedule, Interrupt and Reset are expected to be called from a single
// goroutine (the session's event loop). Source completion callbacks may arrive
// on any goroutine.
type Scheduler struct {
	out        audio.Output
	sampleRate int

	mu        sync.Mutex
	nextStart time.Duration
	active    map[uint64]audio.Source
	run       map[uint64]audio.Source // every source since the scheduler was last idle
	inflight  map[uint64]bool         // Play in progress; true once the source already ended
	seq       uint64
	idle      chan struct{} // closed when active becomes empty; nil while nobody waits
}

// NewScheduler returns a Scheduler that plays on out. sampleRate is used to
// compute buffer durations and must match the output's format.
func NewScheduler(out audio.Output, sampleRate int) *Scheduler {
	return &Scheduler{
		out:        out,
		sampleRate: sampleRate,
		active:     make(map[uint64]audio.Source),
		run:        make(map[uint64]audio.Source),
		inflight:   make(map[uint64]bool),
	}
}

// Schedule starts buf at max(out.Now(), nextStart) and advances nextStart by
// the buffer's duration. Empty buffers are ignored.
func (s *Scheduler) Schedule(buf pcm.Buffer) (Scheduled, error) {
	d := buf.Duration(s.sampleRate)
	if d <= 0 {
		return Scheduled{}, nil
	}

	s.mu.Lock()
	start := max(s.out.Now(), s.nextStart)
	s.seq++
	id := s.seq
	s.inflight[id] = false
	s.mu.Unlock()

	src, err := s.out.Play(buf, start, func() { s.remove(id) })

	s.mu.Lock()
	endedEarly := s.inflight[id]
	delete(s.inflight, id)
	if err != nil {
		s.mu.Unlock()
		return Scheduled{}, fmt.Errorf("playback: schedule: %w", err)
	}
	s.run[id] = src
	if !endedEarly {
		s.active[id] = src
	} else if len(s.active) == 0 {
		clear(s.run)
	}
	s.nextStart = start + d
	s.mu.Unlock()

	return Scheduled{ID: id, Start: start, End: start + d}, nil
}

// Interrupt calls Stop on every source of the current run, clears the active
// set and then resets nextStart to zero, so the next buffer starts at the
// current clock time. It returns the number of sources told to stop.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopping := s.run
	s.run = make(map[uint64]audio.Source)
	s.active = make(map[uint64]audio.Source)
	s.signalIdleLocked()
	s.mu.Unlock()

	for _, src := range stopping {
		src.Stop()
	}

	s.mu.Lock()
	s.nextStart = 0
	s.mu.Unlock()
	return len(stopping)
}

// Reset zeroes nextStart without touching active sources. A session calls it
// when its output opens.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.nextStart = 0
	s.mu.Unlock()
}

// NextStart returns the end of the most recently scheduled buffer, or zero
// after Reset or Interrupt.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of sources that have started and not yet ended.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// WaitIdle blocks until no source is active or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if len(s.active) == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	ch := s.idle
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		s.inflight[id] = true
		return
	}
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	if len(s.active) == 0 {
		clear(s.run)
		s.signalIdleLocked()
	}
}

func (s *Scheduler) signalIdleLocked() {
	if s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}
