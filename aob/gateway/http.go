package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPInvoker executes task nodes against an HTTP endpoint.
//
// Each invocation posts the request as JSON:
//
//	{"correlation_id": "...", "node": "...", "input": {...}}
//
// and expects a JSON object back, which becomes the node's output. Status
// codes classify the failure: 5xx and 429 are transient, other non-2xx
// permanent.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
	maxBody  int64
}

// HTTPInvokerOption configures an HTTPInvoker.
type HTTPInvokerOption func(*HTTPInvoker)

// WithHTTPHeaders adds fixed headers to every request, e.g. authorization.
func WithHTTPHeaders(headers map[string]string) HTTPInvokerOption {
	return func(h *HTTPInvoker) { h.headers = headers }
}

// WithHTTPTransport overrides the HTTP client. Timeouts come from the
// invocation context, not the client.
func WithHTTPTransport(c *http.Client) HTTPInvokerOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithMaxResponseBytes caps the response body size (default 4 MiB).
func WithMaxResponseBytes(n int64) HTTPInvokerOption {
	return func(h *HTTPInvoker) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewHTTPInvoker creates an invoker posting to endpoint.
func NewHTTPInvoker(endpoint string, opts ...HTTPInvokerOption) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{},
		maxBody:  4 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type httpToolRequest struct {
	CorrelationID string         `json:"correlation_id"`
	Node          string         `json:"node"`
	Input         map[string]any `json:"input"`
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(httpToolRequest{
		CorrelationID: req.CorrelationID,
		Node:          req.Node,
		Input:         req.Input,
	})
	if err != nil {
		return Response{}, &Error{Code: "encode_failed", Message: err.Error(), Transient: false}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Code: "bad_request", Message: err.Error(), Transient: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range h.headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, &Error{Code: "timeout", Message: err.Error(), Transient: true}
		}
		return Response{}, &Error{Code: "transport", Message: err.Error(), Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return Response{}, &Error{Code: "read_failed", Message: err.Error(), Transient: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return Response{}, &Error{
			Code:      "tool_status",
			Message:   fmt.Sprintf("tool %s: status %d: %s", req.Node, resp.StatusCode, truncate(respBody, 256)),
			Transient: transient,
		}
	}

	output := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			// Non-JSON tools still produce usable output.
			output = map[string]any{"body": string(respBody)}
		}
	}
	return Response{Output: output}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
