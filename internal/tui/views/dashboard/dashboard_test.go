package dashboard

import (
	"math"
	"strings"
	"testing"

	"github.com/storeyes/livecount/internal/catalog"
	"github.com/storeyes/livecount/internal/state"
)

func settle(t *testing.T, m *Model) {
	t.Helper()
	for i := 0; i < 10*FPS; i++ {
		if !m.Step() {
			return
		}
	}
	t.Fatal("bars did not settle")
}

func TestBarsSettleOnShare(t *testing.T) {
	m := New(catalog.New(nil))
	if !m.SetState(state.State{Products: map[string]int{"coffee": 4, "tea": 2}, TotalCount: 6}) {
		t.Fatal("new bars should animate")
	}
	settle(t, &m)

	if got := m.Position("coffee"); got != 1 {
		t.Errorf("coffee position = %v, want 1", got)
	}
	if got := m.Position("tea"); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("tea position = %v, want 0.5", got)
	}
	if m.Animating() {
		t.Error("settled dashboard should not be animating")
	}
}

func TestRemovedProductsDropBars(t *testing.T) {
	m := New(catalog.New(nil))
	m.SetState(state.State{Products: map[string]int{"coffee": 1}, TotalCount: 1})
	settle(t, &m)

	if m.SetState(state.State{Products: map[string]int{}, Loading: true}) {
		t.Error("clearing should leave nothing to animate")
	}
	if m.Position("coffee") != 0 {
		t.Error("cleared product should have no bar")
	}
}

func TestView(t *testing.T) {
	m := New(catalog.New(map[string]string{"latte": "Coffee Latte"}))
	m.Width = 80

	if !strings.Contains(m.View(), "Waiting for the first snapshot") {
		t.Error("empty loading dashboard should say it is waiting")
	}

	m.SetState(state.State{Products: map[string]int{}})
	if !strings.Contains(m.View(), "No products yet") {
		t.Error("empty dashboard should say so")
	}

	m.SetState(state.State{Products: map[string]int{"latte": 2, "unmapped": 5}, TotalCount: 7})
	view := m.View()
	for _, want := range []string{"Coffee Latte", "unmapped", "Total 7"} {
		if !strings.Contains(view, want) {
			t.Errorf("view should contain %q", want)
		}
	}
	if strings.Index(view, "unmapped") > strings.Index(view, "Coffee Latte") {
		t.Error("products should be ordered by count")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("Chocolate Hazelnut Croissant Deluxe", 10); got != "Chocolate…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("Tea", 10); got != "Tea" {
		t.Errorf("truncate = %q", got)
	}
}
