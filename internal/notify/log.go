package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogService writes alerts to the log. It always grants permission and
// reports token as the push token.
type LogService struct {
	token  string
	logger *zap.SugaredLogger
}

func NewLogService(token string, logger *zap.SugaredLogger) *LogService {
	return &LogService{token: token, logger: logger}
}

func (s *LogService) RequestPermission(context.Context) (bool, error) { return true, nil }

func (s *LogService) PushToken(context.Context) (string, error) { return s.token, nil }

func (s *LogService) ScheduleImmediate(_ context.Context, a Alert) error {
	s.logger.Infow(a.Title,
		"body", a.Body,
		"productCode", a.Data.ProductCode,
		"timestamp", a.Data.Timestamp,
	)
	return nil
}

// NopService drops alerts and never grants permission.
type NopService struct{}

func (NopService) RequestPermission(context.Context) (bool, error) { return false, nil }
func (NopService) PushToken(context.Context) (string, error)       { return "", nil }
func (NopService) ScheduleImmediate(context.Context, Alert) error  { return nil }
