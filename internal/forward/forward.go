// Package forward posts decoded device records to the downstream
// ingestion webhook. Delivery is fire-and-forget from the session loop's
// point of view: a slow or failing endpoint never blocks a device socket.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fleetops/gpsgate/internal/metrics"
	"github.com/fleetops/gpsgate/internal/protocol"
)

// Webhook delivery tuning.
const (
	requestTimeout = 5 * time.Second

	retryInitialInterval = 100 * time.Millisecond
	retryMaxElapsed      = 30 * time.Second
)

// Forwarder posts DeviceRecords to a single webhook URL, one POST per
// record, authenticating with a bearer token.
type Forwarder struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
	mcol   *metrics.Collector
}

// New creates a Forwarder for the given webhook URL. The metrics
// collector may be nil in tests.
func New(url, secret string, mcol *metrics.Collector, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger.With(slog.String("component", "forward")),
		mcol:   mcol,
	}
}

// Forward posts each record once, in order. A failed record is counted
// and logged but does not stop delivery of the rest; the joined error is
// surfaced for tests and for ForwardWithRetry.
func (f *Forwarder) Forward(ctx context.Context, records []protocol.DeviceRecord) error {
	var errs []error
	for i := range records {
		if err := f.post(ctx, &records[i]); err != nil {
			f.count(metrics.ResultError)
			f.logger.Warn("webhook forward failed",
				slog.String("imei", records[i].IMEI),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		f.count(metrics.ResultOK)
	}
	return errors.Join(errs...)
}

// ForwardWithRetry posts each record with exponential backoff, for
// callers that need at-least-once delivery (for example the shutdown
// drain). A record that exhausts its budget does not block the rest.
// Retries stop when the context is cancelled or the elapsed budget is
// spent.
func (f *Forwarder) ForwardWithRetry(ctx context.Context, records []protocol.DeviceRecord) error {
	var errs []error
	for i := range records {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = retryInitialInterval
		bo.MaxElapsedTime = retryMaxElapsed

		operation := func() error {
			return f.post(ctx, &records[i])
		}

		if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
			f.count(metrics.ResultError)
			errs = append(errs, fmt.Errorf("forward with retry: %w", err))
			continue
		}
		f.count(metrics.ResultOK)
	}
	return errors.Join(errs...)
}

// post delivers one record; the body is the JSON serialisation of the
// DeviceRecord itself.
func (f *Forwarder) post(ctx context.Context, record *protocol.DeviceRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.secret)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (f *Forwarder) count(result string) {
	if f.mcol != nil {
		f.mcol.WebhookForwards.WithLabelValues(result).Inc()
	}
}
