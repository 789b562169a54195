package voice

import (
	"context"
	"testing"
	"time"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

func chunk(data string) pcm.EncodedChunk {
	return pcm.EncodedChunk{MIMEType: pcm.MIMEType(16000), Data: data}
}

func TestSendQueue_DropsOldest(t *testing.T) {
	t.Parallel()
	q := newSendQueue(2)

	if n := q.Push(chunk("a")); n != 0 {
		t.Fatalf("Push a dropped %d", n)
	}
	q.Push(chunk("b"))
	if n := q.Push(chunk("c")); n != 1 {
		t.Fatalf("Push c dropped %d, want 1", n)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	ctx := context.Background()
	for _, want := range []string{"b", "c"} {
		got, ok := q.Pop(ctx)
		if !ok || got.Data != want {
			t.Errorf("Pop = %q, %v; want %q", got.Data, ok, want)
		}
	}
}

func TestSendQueue_Close(t *testing.T) {
	t.Parallel()
	q := newSendQueue(4)
	q.Push(chunk("a"))
	q.Close()

	if _, ok := q.Pop(context.Background()); ok {
		t.Error("Pop after Close returned a chunk")
	}
	if n := q.Push(chunk("b")); n != 1 {
		t.Errorf("Push after Close = %d, want 1 (discarded)", n)
	}
}

func TestSendQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()
	q := newSendQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop on empty queue returned a chunk")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateOpen, false},
		{StateConnecting, StateOpen, true},
		{StateConnecting, StateError, true},
		{StateOpen, StateClosed, true},
		{StateOpen, StateError, true},
		{StateOpen, StateConnecting, false},
		{StateClosed, StateError, false},
		{StateError, StateClosed, false},
		{StateIdle, StateClosed, true},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
