// Package client holds the HTTP adapters for the ERP (Plex) and the payment
// gateway (Mercado Pago). Every call goes through a circuit breaker and
// retry with backoff, and is traced.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
)

var tracer = otel.Tracer("client")

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 512

// endpoint is the transport shared by the API clients.
type endpoint struct {
	service    string
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	authorize  func(*http.Request)
}

// call runs fn under the breaker with retries and maps the outcome onto the
// domain errors: business answers (not found, duplicate, unsupported,
// validation) come back as-is, everything else as ErrExternalService.
func (e *endpoint) call(ctx context.Context, fn func() error) error {
	_, err := e.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, e.cfg, fn)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: e.service}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ErrTimeout{Operation: e.service}
	}
	if be := businessError(err); be != nil {
		return be
	}
	return &domain.ErrExternalService{Service: e.service, Err: err}
}

// do sends one request. body is JSON-encoded when non-nil; out is decoded
// from a 2xx response when non-nil. Non-2xx answers go through onStatus
// first, then the generic status mapping.
func (e *endpoint) do(ctx context.Context, method, path string, body, out any, onStatus func(int, []byte) error) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.authorize != nil {
		e.authorize(req)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if onStatus != nil {
			if err := onStatus(resp.StatusCode, raw); err != nil {
				return err
			}
		}
		return statusError(e.service, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode %s response: %w", e.service, err))
	}
	return nil
}

// statusError maps an HTTP status to a retryable or permanent error.
func statusError(service string, status int, body []byte) error {
	err := fmt.Errorf("%s API returned status %d: %s", service, status, bytes.TrimSpace(body))
	switch {
	case status == http.StatusNotImplemented:
		return resilience.Permanent(&domain.ErrUnsupported{Operation: service})
	case status == http.StatusTooManyRequests, status >= 500:
		return err
	default:
		return resilience.Permanent(err)
	}
}

func businessError(err error) error {
	var (
		notFound    *domain.ErrNotFound
		dup         *domain.ErrDuplicateIdentity
		unsupported *domain.ErrUnsupported
		validation  *domain.ErrValidation
	)
	switch {
	case errors.As(err, &notFound):
		return notFound
	case errors.As(err, &dup):
		return dup
	case errors.As(err, &unsupported):
		return unsupported
	case errors.As(err, &validation):
		return validation
	}
	return nil
}

// notFoundAs turns a 404 into a permanent ErrNotFound.
func notFoundAs(resource, id string) func(int, []byte) error {
	return func(status int, _ []byte) error {
		if status == http.StatusNotFound {
			return resilience.Permanent(&domain.ErrNotFound{Resource: resource, ID: id})
		}
		return nil
	}
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}
