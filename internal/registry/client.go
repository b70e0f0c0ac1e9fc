// Package registry implements the declaration registry session protocol over
// HTTP and JSON.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wastedesk/wastedesk/internal/declaration"
)

const (
	apiKeyHeader   = "X-Api-Key"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 4 << 20
)

var (
	// ErrTransport covers unreachable registries, 5xx answers and unreadable bodies.
	ErrTransport = fmt.Errorf("registry: transport failure: %w", declaration.ErrRegistryUnavailable)
	// ErrRejected is returned when the registry refuses a request outright.
	ErrRejected = fmt.Errorf("registry: request rejected: %w", declaration.ErrRegistryRefused)
)

// Options configures Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
}

// Client talks to the registry REST API.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
}

var _ declaration.Registry = (*Client)(nil)

// NewClient constructs a registry client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("registry: empty base url")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("registry: invalid base url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    base,
		apiKey:     opts.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "registry_client")),
		metrics:    opts.Metrics,
	}, nil
}

type submitRequest[T any] struct {
	Declarations []T `json:"declarations"`
}

type submitResponse struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	Status  string                      `json:"status"`
	Results []itemResponse              `json:"results"`
	Errors  []declaration.RegistryError `json:"errors"`
}

type itemResponse struct {
	DeclarationID  string                      `json:"declarationId"`
	Accepted       bool                        `json:"accepted"`
	ConfirmationID string                      `json:"confirmationId"`
	Errors         []declaration.RegistryError `json:"errors"`
}

// SubmitFirstReceivals posts a batch of first receival declarations.
func (c *Client) SubmitFirstReceivals(ctx context.Context, payloads []declaration.FirstReceivalPayload) (declaration.Ack, error) {
	return c.submit(ctx, "submit_first_receivals", "/first-receivals", submitRequest[declaration.FirstReceivalPayload]{Declarations: payloads})
}

// SubmitMonthlyReceivals posts a batch of monthly receival declarations.
func (c *Client) SubmitMonthlyReceivals(ctx context.Context, payloads []declaration.MonthlyReceivalPayload) (declaration.Ack, error) {
	return c.submit(ctx, "submit_monthly_receivals", "/monthly-receivals", submitRequest[declaration.MonthlyReceivalPayload]{Declarations: payloads})
}

func (c *Client) submit(ctx context.Context, operation, path string, body any) (declaration.Ack, error) {
	var resp submitResponse
	if err := c.doJSON(ctx, operation, http.MethodPost, path, body, &resp); err != nil {
		return declaration.Ack{}, err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return declaration.Ack{}, fmt.Errorf("%w: response carried no session id", ErrTransport)
	}
	return declaration.Ack{SessionID: resp.SessionID}, nil
}

// PollSession fetches the evaluation state of a session.
func (c *Client) PollSession(ctx context.Context, sessionID string) (declaration.SessionOutcome, error) {
	var resp sessionResponse
	path := "/sessions/" + url.PathEscape(sessionID)
	if err := c.doJSON(ctx, "poll_session", http.MethodGet, path, nil, &resp); err != nil {
		return declaration.SessionOutcome{}, err
	}
	switch strings.ToUpper(resp.Status) {
	case "PROCESSING", "PENDING":
		return declaration.StillProcessing(), nil
	case "COMPLETED":
		items := make([]declaration.ItemResult, 0, len(resp.Results))
		for _, r := range resp.Results {
			items = append(items, declaration.ItemResult{
				DeclarationID:  r.DeclarationID,
				Accepted:       r.Accepted,
				ConfirmationID: r.ConfirmationID,
				Errors:         r.Errors,
			})
		}
		return declaration.Resolved(items), nil
	case "ERROR":
		return declaration.ProtocolError(resp.Errors), nil
	default:
		return declaration.SessionOutcome{}, fmt.Errorf("%w: unknown session status %q", ErrTransport, resp.Status)
	}
}

func (c *Client) doJSON(ctx context.Context, operation, method, path string, body, out any) (err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrRejected):
			outcome = "rejected"
		case err != nil:
			outcome = "error"
		}
		c.metrics.observe(operation, outcome, started)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("registry: encode %s: %w", operation, err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("registry: build %s: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, operation, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrTransport, operation, err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.Warn("registry unavailable", slog.String("operation", operation), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: %s: http %d", ErrTransport, operation, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s: http %d: %s", ErrRejected, operation, resp.StatusCode, summarize(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrTransport, operation, err)
	}
	return nil
}

func summarize(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) > 256 {
		return text[:256]
	}
	return text
}
