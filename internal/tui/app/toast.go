package app

import (
	"context"
	"fmt"

	"github.com/storeyes/livecount/internal/notify"
)

// ToastService shows alerts as toasts in the TUI and forwards them to an
// optional inner service, which also answers permission and token requests.
type ToastService struct {
	inner  notify.Service
	alerts chan notify.Alert
}

// NewToastService wraps inner. A nil inner grants permission with no token.
func NewToastService(inner notify.Service) *ToastService {
	return &ToastService{inner: inner, alerts: make(chan notify.Alert, 32)}
}

// Alerts returns the channel the TUI reads toasts from.
func (s *ToastService) Alerts() <-chan notify.Alert {
	return s.alerts
}

func (s *ToastService) RequestPermission(ctx context.Context) (bool, error) {
	if s.inner == nil {
		return true, nil
	}
	return s.inner.RequestPermission(ctx)
}

func (s *ToastService) PushToken(ctx context.Context) (string, error) {
	if s.inner == nil {
		return "", nil
	}
	return s.inner.PushToken(ctx)
}

func (s *ToastService) ScheduleImmediate(ctx context.Context, a notify.Alert) error {
	select {
	case s.alerts <- a:
	default:
		return fmt.Errorf("%w: toast queue full", notify.ErrNotification)
	}
	if s.inner == nil {
		return nil
	}
	return s.inner.ScheduleImmediate(ctx, a)
}
