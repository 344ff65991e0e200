package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/storeyes/livecount/internal/aggregate"
	"github.com/storeyes/livecount/internal/catalog"
)

const DefaultTitle = "🍽️ New Product Detected!"

// Dispatcher decides whether an event becomes an alert.
type Dispatcher struct {
	center *Center
	names  *catalog.Catalog
	title  string
	now    func() time.Time
}

func NewDispatcher(center *Center, names *catalog.Catalog, title string) *Dispatcher {
	if title == "" {
		title = DefaultTitle
	}
	return &Dispatcher{center: center, names: names, title: title, now: time.Now}
}

// MaybeNotify alerts for e when it arrived on a connection opened as a fresh
// cycle. Delivery is fire-and-forget.
func (d *Dispatcher) MaybeNotify(e aggregate.Event, fresh bool) {
	if !fresh {
		return
	}
	d.center.Dispatch(d.Alert(e))
}

// Alert builds the alert for e.
func (d *Dispatcher) Alert(e aggregate.Event) Alert {
	return Alert{
		ID:    uuid.NewString(),
		Title: d.title,
		Body:  d.names.Name(e.ProductCode) + " detected",
		Data: AlertData{
			ProductCode: e.ProductCode,
			Timestamp:   d.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
		Sound: "default",
		Badge: 1,
	}
}
