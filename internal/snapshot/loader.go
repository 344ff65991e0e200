// Package snapshot fetches the authoritative aggregate from the upstream
// load endpoint.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/storeyes/livecount/internal/aggregate"
)

// ErrSnapshot wraps every failure to obtain a snapshot: transport errors,
// non-2xx responses and bodies that are not a code-to-count object.
var ErrSnapshot = errors.New("snapshot error")

// Loader performs GET <url>?clientId=<id>. It never touches shared state.
type Loader struct {
	url        string
	client     *http.Client
	newBackOff func() backoff.BackOff
	logger     *zap.SugaredLogger
}

type Option func(*Loader)

// WithHTTPClient replaces the default client (no timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithRetry retries failed fetches with the policy returned by newBackOff.
// Without it each call performs exactly one fetch.
func WithRetry(newBackOff func() backoff.BackOff) Option {
	return func(l *Loader) { l.newBackOff = newBackOff }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader for the given absolute endpoint URL.
func NewLoader(endpoint string, opts ...Option) *Loader {
	l := &Loader{
		url:    endpoint,
		client: &http.Client{},
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadSnapshot fetches the current aggregate for clientID.
func (l *Loader) LoadSnapshot(ctx context.Context, clientID string) (aggregate.Aggregate, error) {
	if l.newBackOff == nil {
		a, err := l.fetch(ctx, clientID)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return a, err
	}

	op := func() (aggregate.Aggregate, error) {
		return l.fetch(ctx, clientID)
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warnw("Snapshot fetch failed, retrying", "error", err, "wait", wait)
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(l.newBackOff(), ctx), notify)
}

func (l *Loader) fetch(ctx context.Context, clientID string) (aggregate.Aggregate, error) {
	u, err := url.Parse(l.url)
	if err != nil {
		return aggregate.Aggregate{}, backoff.Permanent(fmt.Errorf("%w: bad url %q: %v", ErrSnapshot, l.url, err))
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return aggregate.Aggregate{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrSnapshot, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return aggregate.Aggregate{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrSnapshot, err))
		}
		return aggregate.Aggregate{}, fmt.Errorf("%w: GET %s: %v", ErrSnapshot, l.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: GET %s: %d %s", ErrSnapshot, l.url, resp.StatusCode, string(body))
		// Client errors will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return aggregate.Aggregate{}, backoff.Permanent(err)
		}
		return aggregate.Aggregate{}, err
	}

	var counts map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		return aggregate.Aggregate{}, backoff.Permanent(fmt.Errorf("%w: decode body: %v", ErrSnapshot, err))
	}
	a, err := aggregate.FromCounts(counts)
	if err != nil {
		return aggregate.Aggregate{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrSnapshot, err))
	}
	return a, nil
}
