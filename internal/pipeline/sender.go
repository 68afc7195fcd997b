package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/retry"
)

// Sender is the delivery engine: it turns one batch into a collector exchange
// with bounded retries and linear inter-attempt backoff.
type Sender struct {
	httpClient *http.Client
	sleeper    retry.Sleeper
}

// NewSender creates a delivery engine. timeout bounds a single network
// exchange; the retry budget itself is attempt-count-based, not wall-clock
// based.
func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		httpClient: &http.Client{Timeout: timeout},
		sleeper:    retry.RealSleeper(),
	}
}

// SetSleeper overrides the inter-attempt wait. Intended for tests.
func (s *Sender) SetSleeper(sleeper retry.Sleeper) {
	s.sleeper = sleeper
}

// Send transforms events through the middleware chain and transmits them,
// retrying up to opts.RetryAttempts with a delay of RetryDelay*attempt
// between failed attempts. On the first success the success callback fires
// with the transformed batch and Send reports true. On an exhausted budget or
// a middleware abort the failure callback fires and Send reports false; the
// caller keeps the batch queued.
func (s *Sender) Send(ctx context.Context, opts Options, events []domain.TrackingEvent) (bool, error) {
	if opts.Endpoint == "" {
		return false, domain.ConfigurationError{Err: errors.New("no endpoint configured")}
	}
	if opts.Method != http.MethodPost && opts.Method != http.MethodPut {
		return false, domain.ConfigurationError{Err: errors.Errorf("unsupported method %q, want POST or PUT", opts.Method)}
	}

	transformed, err := applyMiddlewares(ctx, opts.Middlewares, events)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err, events)
		}
		return false, err
	}

	// Everything filtered out: vacuously delivered, no network call.
	if len(transformed) == 0 {
		return true, nil
	}

	body, err := sonic.Marshal(domain.EventBatch{Events: transformed})
	if err != nil {
		wrapped := domain.MiddlewareError{Err: errors.Wrap(err, "failed to marshal batch")}
		if opts.OnError != nil {
			opts.OnError(wrapped, transformed)
		}
		return false, wrapped
	}

	policy := retry.Policy{
		MaxAttempts: opts.RetryAttempts,
		Delay:       retry.Linear(opts.RetryDelay),
		Sleeper:     s.sleeper,
	}

	err = policy.Do(func(attempt int) error {
		if attempt > 1 && opts.Debug {
			log.Debugf("retrying delivery of %d events, attempt %d/%d", len(transformed), attempt, opts.RetryAttempts)
		}
		return s.exchange(ctx, opts, body)
	})
	if err != nil {
		transportErr := domain.TransportError{Err: err}
		if opts.OnError != nil {
			opts.OnError(transportErr, transformed)
		}
		return false, transportErr
	}

	if opts.OnSuccess != nil {
		opts.OnSuccess(transformed)
	}
	return true, nil
}

// exchange performs one network round trip.
func (s *Sender) exchange(ctx context.Context, opts Options, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("collector returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
