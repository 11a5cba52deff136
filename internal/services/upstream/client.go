// Package upstream issues provider calls with a per-request ephemeral
// credential. A Client is constructed for exactly one request and must not
// be reused.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/coreason-ai/gateway/internal/services/routing"
	"github.com/coreason-ai/gateway/internal/services/secrets"
)

// maxErrorBody bounds how much of an upstream error response is read.
const maxErrorBody = 64 << 10

// Error is a failed upstream attempt. StatusCode 0 means the request never
// produced an HTTP response.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a single-use HTTP client bound to one provider descriptor and
// one ephemeral credential.
type Client struct {
	httpClient *http.Client
	baseURL    string
	credential *secrets.Credential
}

// New builds a client for one request. The credential stays owned by the
// caller; the client only reads it while building request headers.
func New(descriptor routing.Descriptor, credential *secrets.Credential) *Client {
	return &Client{
		// No client timeout: streaming responses are long-lived, and the
		// caller's context bounds every request.
		httpClient: &http.Client{},
		baseURL:    descriptor.BaseURL,
		credential: credential,
	}
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential.APIKey())
	return req, nil
}

// Complete issues a buffered chat completion. On success it returns the
// exact upstream response bytes plus the parsed usage object (nil when the
// response carries none).
func (c *Client) Complete(ctx context.Context, body []byte) ([]byte, *Usage, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, &Error{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, &Error{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, newStatusError(resp.StatusCode, respBody)
	}

	var envelope struct {
		Usage *Usage `json:"usage"`
	}
	// Usage extraction is best-effort; the body is passed through verbatim
	// regardless.
	_ = json.Unmarshal(respBody, &envelope)

	return respBody, envelope.Usage, nil
}

// Stream issues a streaming chat completion and returns the SSE body reader
// after the status check. Errors returned here occur before the first body
// byte, so they are retryable.
func (c *Client) Stream(ctx context.Context, body []byte) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, newStatusError(resp.StatusCode, errBody)
	}

	return resp.Body, nil
}

func newStatusError(status int, body []byte) *Error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &Error{StatusCode: status, Message: errResp.Error.Message}
	}
	return &Error{StatusCode: status, Message: http.StatusText(status)}
}
