// Package aggregate holds the in-memory product count view and the pure merge
// rule that folds incremental detection events into it.
package aggregate

import (
	"fmt"
	"math"
	"sort"
)

// Aggregate maps product codes to cumulative counts. TotalCount always equals
// the sum of Products and no count is ever negative.
type Aggregate struct {
	Products   map[string]int `json:"products"`
	TotalCount int            `json:"totalCount"`
}

// New returns an empty aggregate.
func New() Aggregate {
	return Aggregate{Products: make(map[string]int)}
}

// FromCounts builds an aggregate from a snapshot mapping. Empty product codes,
// negative counts and totals that do not fit in an int are rejected.
func FromCounts(counts map[string]int) (Aggregate, error) {
	a := Aggregate{Products: make(map[string]int, len(counts))}
	for code, n := range counts {
		if code == "" {
			return Aggregate{}, fmt.Errorf("empty product code")
		}
		if n < 0 {
			return Aggregate{}, fmt.Errorf("negative count %d for %q", n, code)
		}
		if n > math.MaxInt-a.TotalCount {
			return Aggregate{}, fmt.Errorf("total count overflows at %q", code)
		}
		a.Products[code] = n
		a.TotalCount += n
	}
	return a, nil
}

// Clone returns a deep copy.
func (a Aggregate) Clone() Aggregate {
	out := Aggregate{
		Products:   make(map[string]int, len(a.Products)),
		TotalCount: a.TotalCount,
	}
	for code, n := range a.Products {
		out.Products[code] = n
	}
	return out
}

// Sum recomputes the total from the per-product counts.
func (a Aggregate) Sum() int {
	total := 0
	for _, n := range a.Products {
		total += n
	}
	return total
}

// Valid reports whether the total matches the per-product counts and no count
// is negative.
func (a Aggregate) Valid() bool {
	for _, n := range a.Products {
		if n < 0 {
			return false
		}
	}
	return a.Sum() == a.TotalCount
}

// Codes returns the product codes in lexical order.
func (a Aggregate) Codes() []string {
	codes := make([]string, 0, len(a.Products))
	for code := range a.Products {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Add applies e in place. Keys are never removed. An event with a negative
// increment, or one that would overflow a count, fails with ErrProtocol and
// leaves a unchanged.
func (a *Aggregate) Add(e Event) error {
	inc := e.Increment()
	if inc < 0 {
		return fmt.Errorf("%w: negative count %d for %q", ErrProtocol, inc, e.ProductCode)
	}
	if inc > math.MaxInt-a.Products[e.ProductCode] || inc > math.MaxInt-a.TotalCount {
		return fmt.Errorf("%w: count %d for %q overflows the aggregate", ErrProtocol, inc, e.ProductCode)
	}
	if a.Products == nil {
		a.Products = make(map[string]int)
	}
	a.Products[e.ProductCode] += inc
	a.TotalCount += inc
	return nil
}

// Merge returns the aggregate that results from applying e to a. The input is
// not modified. On error the result is a copy of a.
func Merge(a Aggregate, e Event) (Aggregate, error) {
	out := a.Clone()
	err := out.Add(e)
	return out, err
}

// Fold merges events over a in arrival order, stopping at the first event
// that cannot be applied.
func Fold(a Aggregate, events ...Event) (Aggregate, error) {
	out := a.Clone()
	for _, e := range events {
		if err := out.Add(e); err != nil {
			return out, err
		}
	}
	return out, nil
}
