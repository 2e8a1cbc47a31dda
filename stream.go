package bream

import (
	"context"
	"io"

	"github.com/nbd-wtf/go-nostr"
)

// EventStream is a cancellable stream of stored events, returned by the
// On.Req hook. The relay drains it one event at a time, so a query backend
// can serve arbitrarily large results without buffering them all in memory.
type EventStream interface {
	// Next returns the next event of the stream. It returns [io.EOF] when
	// the stream is exhausted, and the context error if ctx is cancelled
	// before an event is available.
	Next(ctx context.Context) (*nostr.Event, error)

	// Close releases the resources backing the stream. It's always called
	// once by the relay, even after an error.
	Close() error
}

// SliceStream is an [EventStream] backed by an in-memory slice.
type SliceStream struct {
	events []*nostr.Event
	pos    int
}

func NewSliceStream(events ...*nostr.Event) *SliceStream {
	return &SliceStream{events: events}
}

func (s *SliceStream) Next(ctx context.Context) (*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.pos >= len(s.events) {
		return nil, io.EOF
	}

	event := s.events[s.pos]
	s.pos++
	return event, nil
}

func (s *SliceStream) Close() error { return nil }

// ChanStream is an [EventStream] fed by a channel. Closing the channel
// terminates the stream with [io.EOF].
type ChanStream struct {
	events <-chan *nostr.Event
	cancel context.CancelFunc
}

// NewChanStream wraps the channel into a stream. The optional cancel
// function is called on Close, signalling the producer to stop.
func NewChanStream(events <-chan *nostr.Event, cancel context.CancelFunc) *ChanStream {
	return &ChanStream{events: events, cancel: cancel}
}

func (s *ChanStream) Next(ctx context.Context) (*nostr.Event, error) {
	select {
	case event, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		return event, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ChanStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
