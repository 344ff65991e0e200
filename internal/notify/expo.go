package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoService delivers alerts through the Expo push API to a single device
// token. Without a token permission is reported as denied.
type ExpoService struct {
	url    string
	token  string
	client *http.Client
}

func NewExpoService(url, token string, client *http.Client) *ExpoService {
	if url == "" {
		url = DefaultExpoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ExpoService{url: url, token: token, client: client}
}

type expoMessage struct {
	To    string    `json:"to"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Data  AlertData `json:"data"`
	Sound string    `json:"sound,omitempty"`
	Badge int       `json:"badge,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

type expoResponse struct {
	Data   expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *ExpoService) RequestPermission(context.Context) (bool, error) {
	return s.token != "", nil
}

func (s *ExpoService) PushToken(context.Context) (string, error) {
	return s.token, nil
}

func (s *ExpoService) ScheduleImmediate(ctx context.Context, a Alert) error {
	body, err := json.Marshal(expoMessage{
		To:    s.token,
		Title: a.Title,
		Body:  a.Body,
		Data:  a.Data,
		Sound: a.Sound,
		Badge: a.Badge,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrNotification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrNotification, s.url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: POST %s: %d %s", ErrNotification, s.url, resp.StatusCode, string(raw))
	}

	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%w: decode push ticket: %v", ErrNotification, err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrNotification, out.Errors[0].Code, out.Errors[0].Message)
	}
	if out.Data.Status != "ok" {
		return fmt.Errorf("%w: push ticket %s: %s", ErrNotification, out.Data.Status, out.Data.Message)
	}
	return nil
}
