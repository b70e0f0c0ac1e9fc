package cli

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
)

// ErrAPI is returned when the operator API answers with a problem response.
var ErrAPI = errors.New("operator api error")

// OperatorClient calls the wastedesk operator HTTP API.
type OperatorClient struct {
	baseURL    string
	operator   string
	httpClient *http.Client
}

// NewOperatorClient constructs an OperatorClient.
func NewOperatorClient(baseURL, operator string, timeout time.Duration) *OperatorClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OperatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		operator:   operator,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ApprovalResult mirrors the approval endpoint response.
type ApprovalResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Approve approves a declaration waiting for approval.
func (c *OperatorClient) Approve(ctx context.Context, id string) (ApprovalResult, error) {
	var result ApprovalResult
	path := "/declarations/" + url.PathEscape(id) + "/approve"
	// A refused approval answers 409 with the same body.
	err := c.do(ctx, http.MethodPost, path, &result, http.StatusOK, http.StatusConflict)
	return result, err
}

// DeclarationSummary is the subset of a declaration shown by the CLI.
type DeclarationSummary struct {
	ID                string `json:"id"`
	WasteStreamNumber string `json:"wasteStreamNumber"`
	Period            string `json:"period"`
	Kind              string `json:"kind"`
	Status            string `json:"status"`
	TotalWeight       int64  `json:"totalWeight"`
	TotalShipments    int    `json:"totalShipments"`
}

// ListDeclarations lists declarations with the given status.
func (c *OperatorClient) ListDeclarations(ctx context.Context, status string, limit int) ([]DeclarationSummary, error) {
	var out []DeclarationSummary
	err := c.do(ctx, http.MethodGet, "/declarations?"+listQuery(status, limit), &out, http.StatusOK)
	return out, err
}

// JobSummary is the subset of a declaration job shown by the CLI.
type JobSummary struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Period string `json:"period"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// ListJobs lists declaration jobs with the given status.
func (c *OperatorClient) ListJobs(ctx context.Context, status string, limit int) ([]JobSummary, error) {
	var out []JobSummary
	err := c.do(ctx, http.MethodGet, "/declaration-jobs?"+listQuery(status, limit), &out, http.StatusOK)
	return out, err
}

func listQuery(status string, limit int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return q.Encode()
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (c *OperatorClient) do(ctx context.Context, method, path string, out any, accepted ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.operator != "" {
		req.Header.Set("X-Operator", c.operator)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	for _, code := range accepted {
		if resp.StatusCode == code {
			return json.Unmarshal(body, out)
		}
	}
	var p problem
	if json.Unmarshal(body, &p) == nil && p.Title != "" {
		return fmt.Errorf("%w: %d %s: %s", ErrAPI, resp.StatusCode, p.Title, p.Detail)
	}
	return fmt.Errorf("%w: %d %s", ErrAPI, resp.StatusCode, bytes.TrimSpace(body))
}
