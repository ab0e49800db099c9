// Package transport opens the backend's streaming generation endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/videre-progress/internal/tracker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrStatus reports a non-success HTTP status from the backend.
	ErrStatus = errors.New("failed to start video generation")
	// ErrNoBody reports a success response without a readable body.
	ErrNoBody = errors.New("no response body")
)

const (
	maxErrorBody = 512
	tracerName   = "github.com/JakeFAU/videre-progress/internal/transport"
)

// StatusError carries the rejected status and a short excerpt of the body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", ErrStatus, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", ErrStatus, e.Code, e.Body)
}

// Is matches ErrStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Config controls the backend client.
type Config struct {
	// Endpoint is the absolute URL of the generation endpoint.
	Endpoint string
	// Timeout bounds the entire request including the stream; zero disables it.
	Timeout time.Duration
	// Header is added to every request.
	Header http.Header
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Client starts generations and hands back their event streams.
type Client struct {
	endpoint string
	header   http.Header
	http     *http.Client
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must be http(s), got %q", cfg.Endpoint)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{endpoint: u.String(), header: cfg.Header.Clone(), http: hc}, nil
}

type generateRequest struct {
	Topic string `json:"topic"`
}

// Open POSTs the topic and returns the response body once the backend has
// accepted the request. The caller owns the returned body.
func (c *Client) Open(ctx context.Context, topic string) (rc io.ReadCloser, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "backend.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("videre.topic", topic)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payload, err := json.Marshal(generateRequest{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, values := range c.header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, ErrNoBody
	}
	return resp.Body, nil
}

// Source binds topic to the client as a tracker.Source.
func (c *Client) Source(topic string) tracker.Source {
	return tracker.SourceFunc(func(ctx context.Context) (io.ReadCloser, error) {
		return c.Open(ctx, topic)
	})
}
