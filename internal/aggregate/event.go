package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// ErrProtocol marks a stream message whose payload cannot be turned into an
// Event. The message is dropped; the stream keeps running.
var ErrProtocol = errors.New("protocol error")

// maxIncrement keeps decoded counts exactly representable and within int.
const maxIncrement = min(1<<53, math.MaxInt)

// Event is one incremental count update delivered over the push stream.
type Event struct {
	ProductCode string `json:"productCode"`
	Count       *int   `json:"count,omitempty"`
}

// Increment returns the amount the event adds. An absent or zero count counts
// as a single detection.
func (e Event) Increment() int {
	if e.Count == nil || *e.Count == 0 {
		return 1
	}
	return *e.Count
}

// NewEvent is a convenience constructor for an event with an explicit count.
func NewEvent(code string, count int) Event {
	return Event{ProductCode: code, Count: &count}
}

type wireEvent struct {
	ProductCode *string  `json:"productCode"`
	Count       *float64 `json:"count"`
}

// DecodeEvent parses a stream payload of the form
// {"productCode": string, "count"?: number}.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if w.ProductCode == nil || *w.ProductCode == "" {
		return Event{}, fmt.Errorf("%w: missing productCode", ErrProtocol)
	}

	e := Event{ProductCode: *w.ProductCode}
	if w.Count != nil {
		c := *w.Count
		if c < 0 || c != math.Trunc(c) || c > maxIncrement {
			return Event{}, fmt.Errorf("%w: invalid count %v for %q", ErrProtocol, c, e.ProductCode)
		}
		n := int(c)
		e.Count = &n
	}
	return e, nil
}
