// Package streamtest provides programmable stream fakes for tests.
package streamtest

import (
	"context"
	"sync"

	"github.com/storeyes/livecount/internal/aggregate"
	"github.com/storeyes/livecount/internal/stream"
)

const pipeBuffer = 256

// Pipe is a stream.Conn driven by the test.
type Pipe struct {
	opened   chan struct{}
	openOnce sync.Once
	msgs     chan stream.Message

	mu     sync.Mutex
	ended  bool
	closed bool
	err    error
}

func NewPipe() *Pipe {
	return &Pipe{
		opened: make(chan struct{}),
		msgs:   make(chan stream.Message, pipeBuffer),
	}
}

// Ack acknowledges the handshake.
func (p *Pipe) Ack() {
	p.openOnce.Do(func() { close(p.opened) })
}

// Send delivers an event. It reports false once the pipe is closed or failed.
func (p *Pipe) Send(e aggregate.Event) bool {
	return p.SendMessage(stream.Message{Event: e})
}

func (p *Pipe) SendMessage(m stream.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || p.closed {
		return false
	}
	select {
	case p.msgs <- m:
		return true
	default:
		return false
	}
}

// Fail ends the sequence with err, as a transport failure would.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.ended = true
	p.err = err
	close(p.msgs)
}

// Closed reports whether the consumer released the handle.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipe) Opened() <-chan struct{}         { return p.opened }
func (p *Pipe) Messages() <-chan stream.Message { return p.msgs }

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if !p.ended {
		p.ended = true
		close(p.msgs)
	}
}

// Source is a stream.Opener that hands out Pipes and counts them.
type Source struct {
	// AutoAck acknowledges every new pipe as soon as it is opened.
	AutoAck bool

	mu     sync.Mutex
	pipes  []*Pipe
	notify chan *Pipe
}

func NewSource(autoAck bool) *Source {
	return &Source{AutoAck: autoAck, notify: make(chan *Pipe, 16)}
}

func (s *Source) Open(_ context.Context, _ string) stream.Conn {
	p := NewPipe()
	if s.AutoAck {
		p.Ack()
	}
	s.mu.Lock()
	s.pipes = append(s.pipes, p)
	s.mu.Unlock()
	select {
	case s.notify <- p:
	default:
	}
	return p
}

// Opened delivers each pipe as it is opened.
func (s *Source) Opened() <-chan *Pipe { return s.notify }

// Opens is the number of Open calls so far.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipes)
}

// Live counts pipes that have not been closed by the consumer or failed.
func (s *Source) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pipes {
		p.mu.Lock()
		if !p.closed && !p.ended {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// Last returns the most recently opened pipe, or nil.
func (s *Source) Last() *Pipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pipes) == 0 {
		return nil
	}
	return s.pipes[len(s.pipes)-1]
}
