// Package client talks to a running console's operator API and its gRPC
// health service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/ledger"
	"github.com/ppiankov/hitlwatch/internal/registry"
	"github.com/ppiankov/hitlwatch/internal/server"
)

const defaultTimeout = 5 * time.Second

// APIError is a non-2xx answer from the operator API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("console returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409, i.e. the request is no longer pending.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client connects to a console operator API.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for addr ("127.0.0.1:8790" or a full http URL).
func New(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid console address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid console address %q: scheme must be http or https", addr)
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Status returns the console status.
func (c *Client) Status(ctx context.Context) (console.Status, error) {
	var st console.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Pending lists pending requests, oldest first.
func (c *Client) Pending(ctx context.Context) ([]registry.Request, error) {
	var out []registry.Request
	err := c.do(ctx, http.MethodGet, "/v1/pending", nil, &out)
	return out, err
}

// Oldest returns the request that expires soonest. IsNotFound(err) when none.
func (c *Client) Oldest(ctx context.Context) (registry.Request, error) {
	var out registry.Request
	err := c.do(ctx, http.MethodGet, "/v1/pending/oldest", nil, &out)
	return out, err
}

// Decide records an APPROVED or DENIED decision for a pending request.
func (c *Client) Decide(ctx context.Context, id string, decision registry.Decision, rationale string, conditions []string) (console.Decision, error) {
	var out console.Decision
	err := c.do(ctx, http.MethodPost, "/v1/decisions", server.DecisionRequest{
		RequestID:  id,
		Decision:   string(decision),
		Rationale:  rationale,
		Conditions: conditions,
	}, &out)
	return out, err
}

// Instructor forwards an instructor command to the simulation.
func (c *Client) Instructor(ctx context.Context, command string, params map[string]any) (server.InstructorResponse, error) {
	var out server.InstructorResponse
	err := c.do(ctx, http.MethodPost, "/v1/instructor", server.InstructorRequest{Command: command, Params: params}, &out)
	return out, err
}

// Reset drops all pending requests and returns their ids.
func (c *Client) Reset(ctx context.Context, reason string) ([]string, error) {
	var out server.ResetResponse
	err := c.do(ctx, http.MethodPost, "/v1/reset", server.ResetRequest{Reason: reason}, &out)
	return out.Dropped, err
}

// Verify asks the console to verify its live chain.
func (c *Client) Verify(ctx context.Context) (ledger.VerifyResult, error) {
	var out ledger.VerifyResult
	err := c.do(ctx, http.MethodPost, "/v1/ledger/verify", nil, &out)
	return out, err
}

// Summary returns the live ledger summary.
func (c *Client) Summary(ctx context.Context) (ledger.Summary, error) {
	var out ledger.Summary
	err := c.do(ctx, http.MethodGet, "/v1/ledger/summary", nil, &out)
	return out, err
}

// Tail returns the last n live ledger entries.
func (c *Client) Tail(ctx context.Context, n int) ([]ledger.Entry[console.Event], error) {
	var out []ledger.Entry[console.Event]
	err := c.do(ctx, http.MethodGet, "/v1/ledger/tail?n="+strconv.Itoa(n), nil, &out)
	return out, err
}

// Export downloads the canonical export of the live chain.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/v1/ledger/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(ref).String(), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("console unreachable: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er server.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return nil, apiErr
}

// CheckHealth queries the console's gRPC health service. An empty service
// name checks the overall status.
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to health server: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
