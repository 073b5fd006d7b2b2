package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/pkg/safehttp"
	"github.com/tjfontaine/wchain/internal/stream"
)

// DefaultWebhookTimeout bounds a webhook call when no timeout is configured.
const DefaultWebhookTimeout = 30 * time.Second

// WebhookConfig configures a webhook stage.
type WebhookConfig struct {
	URL         string
	Headers     map[string]string
	Timeout     time.Duration
	ContentType string
	// AllowInternal permits targets on loopback and private networks, which
	// are refused by default.
	AllowInternal bool
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// StatusError is reported when the webhook answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d: %s", e.URL, e.Status, e.Body)
}

// WebhookStage streams its input to an HTTP endpoint and emits the response
// body as its output stream.
type WebhookStage struct {
	url         string
	headers     map[string]string
	contentType string
	client      *http.Client
}

var _ chain.Middleware[*pipeline.Meta] = (*WebhookStage)(nil)

// NewWebhookStage creates a new webhook stage.
func NewWebhookStage(cfg WebhookConfig) (*WebhookStage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	client := cfg.Client
	switch {
	case client != nil:
	case cfg.AllowInternal:
		client = &http.Client{Timeout: timeout}
	default:
		client = safehttp.NewClient(timeout)
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &WebhookStage{
		url:         cfg.URL,
		headers:     cfg.Headers,
		contentType: contentType,
		client:      client,
	}, nil
}

// Serve starts the call in the background; the request body is fed from s
// once the chain lets it flow.
func (w *WebhookStage) Serve(ctx context.Context, meta *pipeline.Meta, s *stream.Stream, next chain.Next, done chain.Done) error {
	if s == nil {
		return noInput("webhook")
	}

	body := s.Reader()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, body)
	if err != nil {
		body.Close()
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.contentType)
	req.Header.Set("X-Wchain-Run-Id", meta.RunID)
	req.Header.Set("X-Wchain-Pipeline", meta.Pipeline)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	out := stream.New()
	go func() {
		// Closing the body detaches it from s if the transport stopped reading early.
		defer body.Close()
		out.CloseWithError(w.call(req, out))
	}()

	doneWhenFinished(out, done)
	return next(ctx, out)
}

func (w *WebhookStage) call(req *http.Request, out io.Writer) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: w.url, Status: resp.StatusCode, Body: string(snippet)}
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}
