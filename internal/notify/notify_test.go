package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/aggregate"
	"github.com/storeyes/livecount/internal/catalog"
)

type fakeService struct {
	granted  bool
	token    string
	tokenErr error
	failWith error
	block    chan struct{}

	mu     sync.Mutex
	alerts []Alert
}

func (f *fakeService) RequestPermission(context.Context) (bool, error) { return f.granted, nil }

func (f *fakeService) PushToken(context.Context) (string, error) { return f.token, f.tokenErr }

func (f *fakeService) ScheduleImmediate(ctx context.Context, a Alert) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	f.alerts = append(f.alerts, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeService) sent() []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Alert(nil), f.alerts...)
}

func newCenter(t *testing.T, svc Service) *Center {
	t.Helper()
	c := NewCenter(svc, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func TestCenterInit(t *testing.T) {
	svc := &fakeService{granted: true, token: "ExponentPushToken[abc]"}
	c := newCenter(t, svc)

	nctx, err := c.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Context{Granted: true, Token: "ExponentPushToken[abc]"}, nctx)

	again, err := c.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nctx, again)
}

func TestCenterPermissionDenied(t *testing.T) {
	c := newCenter(t, &fakeService{granted: false})

	_, err := c.Init(context.Background())
	assert.True(t, errors.Is(err, ErrNotification))

	err = c.Schedule(context.Background(), Alert{Title: "x"})
	assert.True(t, errors.Is(err, ErrNotification))
}

func TestCenterTokenFailureKeepsPermission(t *testing.T) {
	c := newCenter(t, &fakeService{granted: true, tokenErr: errors.New("no project id")})

	_, err := c.Init(context.Background())
	assert.True(t, errors.Is(err, ErrNotification))
	assert.True(t, c.Context().Granted)
	assert.NoError(t, c.Schedule(context.Background(), Alert{Title: "x"}))
}

func TestScheduleBeforeInitFails(t *testing.T) {
	c := newCenter(t, &fakeService{granted: true})
	err := c.Schedule(context.Background(), Alert{})
	assert.True(t, errors.Is(err, ErrNotification))
}

func TestScheduleWrapsServiceErrors(t *testing.T) {
	c := newCenter(t, &fakeService{granted: true, failWith: errors.New("quota")})
	_, err := c.Init(context.Background())
	require.NoError(t, err)

	err = c.Schedule(context.Background(), Alert{})
	assert.True(t, errors.Is(err, ErrNotification))
	assert.Contains(t, err.Error(), "quota")
}

func TestDispatcherOnlyAlertsOnFreshConnections(t *testing.T) {
	svc := &fakeService{granted: true}
	c := newCenter(t, svc)
	_, err := c.Init(context.Background())
	require.NoError(t, err)

	d := NewDispatcher(c, catalog.New(nil), "")
	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }

	d.MaybeNotify(aggregate.Event{ProductCode: "coffee-latte"}, false)
	d.MaybeNotify(aggregate.Event{ProductCode: "coffee-latte"}, true)
	d.MaybeNotify(aggregate.Event{ProductCode: "croissant"}, true)

	require.Eventually(t, func() bool { return len(svc.sent()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background()))

	byCode := map[string]Alert{}
	for _, a := range svc.sent() {
		byCode[a.Data.ProductCode] = a
	}

	latte := byCode["coffee-latte"]
	assert.Equal(t, DefaultTitle, latte.Title)
	assert.Equal(t, "Coffee Latte detected", latte.Body)
	assert.Equal(t, "2024-05-01T12:30:00.000Z", latte.Data.Timestamp)
	assert.Equal(t, "default", latte.Sound)
	assert.Equal(t, 1, latte.Badge)
	assert.NotEmpty(t, latte.ID)

	assert.Equal(t, "croissant detected", byCode["croissant"].Body, "unmapped codes fall back to the raw code")
}

func TestDispatchFailureIsIsolated(t *testing.T) {
	svc := &fakeService{granted: true, failWith: errors.New("boom")}
	c := newCenter(t, svc)
	_, err := c.Init(context.Background())
	require.NoError(t, err)

	d := NewDispatcher(c, catalog.New(nil), "title")
	assert.NotPanics(t, func() { d.MaybeNotify(aggregate.Event{ProductCode: "tea"}, true) })
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestShutdownCancelsStuckDeliveries(t *testing.T) {
	svc := &fakeService{granted: true, block: make(chan struct{})}
	c := NewCenter(svc, zap.NewNop().Sugar())
	_, err := c.Init(context.Background())
	require.NoError(t, err)

	c.Dispatch(Alert{Title: "stuck"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)

	c.Dispatch(Alert{Title: "late"})
	assert.Empty(t, svc.sent())
}

func TestExpoService(t *testing.T) {
	var got expoMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"status":"ok","id":"ticket-1"}}`))
	}))
	defer srv.Close()

	svc := NewExpoService(srv.URL, "ExponentPushToken[abc]", srv.Client())
	granted, err := svc.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)

	err = svc.ScheduleImmediate(context.Background(), Alert{
		Title: "t",
		Body:  "Tea detected",
		Data:  AlertData{ProductCode: "tea", Timestamp: "2024-05-01T12:30:00.000Z"},
		Sound: "default",
		Badge: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "ExponentPushToken[abc]", got.To)
	assert.Equal(t, "Tea detected", got.Body)
	assert.Equal(t, "tea", got.Data.ProductCode)
	assert.Equal(t, 1, got.Badge)
}

func TestExpoServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusInternalServerError, "down"},
		{"request errors", http.StatusOK, `{"errors":[{"code":"VALIDATION_ERROR","message":"bad token"}]}`},
		{"ticket error", http.StatusOK, `{"data":{"status":"error","message":"DeviceNotRegistered"}}`},
		{"garbage", http.StatusOK, `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := NewExpoService(srv.URL, "tok", nil).ScheduleImmediate(context.Background(), Alert{})
			assert.True(t, errors.Is(err, ErrNotification), "got %v", err)
		})
	}
}

func TestExpoServiceWithoutTokenIsDenied(t *testing.T) {
	granted, err := NewExpoService("", "", nil).RequestPermission(context.Background())
	require.NoError(t, err)
	assert.False(t, granted)
}

type slowPermissionService struct {
	fakeService
	release chan struct{}
}

func (s *slowPermissionService) RequestPermission(ctx context.Context) (bool, error) {
	select {
	case <-s.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestDispatchDoesNotWaitForInit(t *testing.T) {
	svc := &slowPermissionService{release: make(chan struct{})}
	c := newCenter(t, svc)

	initDone := make(chan error, 1)
	go func() {
		_, err := c.Init(context.Background())
		initDone <- err
	}()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i := 0; i < 5; i++ {
			c.Dispatch(Alert{Title: "early"})
		}
		_ = c.Context()
	}()
	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked behind Init")
	}

	close(svc.release)
	require.NoError(t, <-initDone)
	assert.True(t, c.Context().Granted)
	assert.Empty(t, svc.sent(), "alerts raised during init are dropped")

	require.NoError(t, c.Schedule(context.Background(), Alert{Title: "after"}))
	assert.Len(t, svc.sent(), 1)
}

func TestConcurrentInitWaitsForFirst(t *testing.T) {
	svc := &slowPermissionService{release: make(chan struct{})}
	svc.token = "ExponentPushToken[abc]"
	c := newCenter(t, svc)

	go c.Init(context.Background())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == centerInitializing
	}, time.Second, time.Millisecond)

	second := make(chan Context, 1)
	go func() {
		nctx, _ := c.Init(context.Background())
		second <- nctx
	}()
	close(svc.release)

	select {
	case nctx := <-second:
		assert.Equal(t, Context{Granted: true, Token: "ExponentPushToken[abc]"}, nctx)
	case <-time.After(time.Second):
		t.Fatal("second Init did not return")
	}
}

func TestShutdownDuringInit(t *testing.T) {
	svc := &slowPermissionService{release: make(chan struct{})}
	c := NewCenter(svc, zap.NewNop().Sugar())

	initDone := make(chan error, 1)
	go func() {
		_, err := c.Init(context.Background())
		initDone <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == centerInitializing
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
	close(svc.release)
	assert.True(t, errors.Is(<-initDone, ErrNotification))
	assert.True(t, errors.Is(c.Schedule(context.Background(), Alert{}), ErrNotification))
}
