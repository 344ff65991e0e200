// Package lifecycle tracks foreground/background transitions of the host
// application and turns them into edge signals.
package lifecycle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Phase int

const (
	Foreground Phase = iota
	Background
)

func (p Phase) String() string {
	switch p {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// ParseAppState maps host application states onto phases. "active" is the
// foreground; "inactive" and "background" both count as background.
func ParseAppState(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "foreground":
		return Foreground, nil
	case "inactive", "background":
		return Background, nil
	}
	return Foreground, fmt.Errorf("unknown app state %q", s)
}

// Transition is one lifecycle edge.
type Transition struct {
	From Phase
	To   Phase
	At   time.Time
}

// Observer records the current phase and emits exactly one Transition per
// edge. Reports that do not change the phase are ignored.
//
// Delivery blocks until every subscriber has taken the edge or unsubscribed,
// so an edge is never lost. Subscribers must keep reading until they
// unsubscribe.
type Observer struct {
	mu     sync.Mutex
	phase  Phase
	subs   map[*subscriber]struct{}
	logger *zap.SugaredLogger

	// sendMu keeps deliveries in edge order and guards closing channels.
	sendMu sync.Mutex
}

type subscriber struct {
	ch   chan Transition
	done chan struct{}
}

func NewObserver(initial Phase, logger *zap.SugaredLogger) *Observer {
	return &Observer{
		phase:  initial,
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

func (o *Observer) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Report records that the application is now in phase p. It returns true
// when this was an edge.
func (o *Observer) Report(p Phase) bool {
	o.mu.Lock()
	if p == o.phase {
		o.mu.Unlock()
		return false
	}
	t := Transition{From: o.phase, To: p, At: time.Now()}
	o.phase = p
	subs := make([]*subscriber, 0, len(o.subs))
	for sub := range o.subs {
		subs = append(subs, sub)
	}
	// Taken before mu is released so edges reach subscribers in order.
	o.sendMu.Lock()
	o.mu.Unlock()
	defer o.sendMu.Unlock()

	o.logger.Infow("Lifecycle edge", "from", t.From.String(), "to", t.To.String())
	for _, sub := range subs {
		select {
		case sub.ch <- t:
			continue
		case <-sub.done:
			continue
		default:
		}
		o.logger.Debugw("Waiting for lifecycle subscriber", "to", t.To.String())
		select {
		case sub.ch <- t:
		case <-sub.done:
		}
	}
	return true
}

// Subscribers returns the number of live subscriptions.
func (o *Observer) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Subscribe returns a channel of edges and a func that removes the
// subscription and closes the channel.
func (o *Observer) Subscribe() (<-chan Transition, func()) {
	sub := &subscriber{
		ch:   make(chan Transition, 16),
		done: make(chan struct{}),
	}
	o.mu.Lock()
	o.subs[sub] = struct{}{}
	o.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			o.mu.Lock()
			delete(o.subs, sub)
			o.mu.Unlock()

			o.sendMu.Lock()
			close(sub.ch)
			o.sendMu.Unlock()
		})
	}
}
