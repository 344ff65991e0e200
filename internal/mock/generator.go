// Package mock is a development upstream: it invents detections and serves
// them on the snapshot and stream endpoints.
package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/storeyes/livecount/internal/aggregate"
)

// Generator produces random detections and keeps the running totals the
// snapshot endpoint reports.
type Generator struct {
	products []string
	burst    int

	mu     sync.Mutex
	rng    *rand.Rand
	totals map[string]int
	tick   int
}

// NewGenerator draws codes from products. Counts range over 1..burst; a burst
// below 2 always emits single detections.
func NewGenerator(products []string, burst int, seed int64) *Generator {
	if burst < 1 {
		burst = 1
	}
	return &Generator{
		products: append([]string(nil), products...),
		burst:    burst,
		rng:      rand.New(rand.NewSource(seed)),
		totals:   make(map[string]int),
	}
}

// Next invents one detection and adds it to the totals. Half the events omit
// the count, as single detections do upstream.
func (g *Generator) Next() aggregate.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked()
}

func (g *Generator) nextLocked() aggregate.Event {
	e := aggregate.Event{ProductCode: g.products[g.rng.Intn(len(g.products))]}
	if g.burst > 1 && g.rng.Intn(2) == 0 {
		n := 1 + g.rng.Intn(g.burst)
		e.Count = &n
	}
	g.totals[e.ProductCode] += e.Increment()
	return e
}

// Tick returns the events for one interval: usually one, and a short rush
// every fifth tick.
func (g *Generator) Tick() []aggregate.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tick++
	n := 1
	if g.tick%5 == 0 {
		n += g.rng.Intn(3)
	}
	events := make([]aggregate.Event, n)
	for i := range events {
		events[i] = g.nextLocked()
	}
	return events
}

// Totals returns a copy of the per-product totals.
func (g *Generator) Totals() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.totals))
	for k, v := range g.totals {
		out[k] = v
	}
	return out
}

// Run calls emit for every generated event until ctx is done.
func (g *Generator) Run(ctx context.Context, interval time.Duration, emit func(aggregate.Event)) {
	if len(g.products) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range g.Tick() {
				emit(e)
			}
		}
	}
}
