package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// OPAOracle queries an Open Policy Agent server over its data API.
//
// Each Evaluate issues POST {base}/v1/data/{policyPath} with the Query as
// the OPA input document and expects a result of the form:
//
//	{"result": {"allow": bool, "reason": "..."}}
//
// A missing result document (unknown policy path) is an error, not a
// decision: wrap the oracle in FailClosed to turn such errors into denials.
//
// A circuit breaker guards the HTTP path so a dead OPA server fails fast
// instead of burning the per-transition timeout on every query.
type OPAOracle struct {
	baseURL    string
	policyPath string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// OPAOption configures an OPAOracle.
type OPAOption func(*OPAOracle)

// WithHTTPClient overrides the HTTP client (default: 5s timeout).
func WithHTTPClient(c *http.Client) OPAOption {
	return func(o *OPAOracle) { o.client = c }
}

// NewOPAOracle creates an oracle backed by the OPA server at baseURL,
// evaluating the policy at policyPath (e.g. "aob/authz").
func NewOPAOracle(baseURL, policyPath string, opts ...OPAOption) *OPAOracle {
	o := &OPAOracle{
		baseURL:    strings.TrimRight(baseURL, "/"),
		policyPath: strings.Trim(policyPath, "/"),
		client:     &http.Client{Timeout: 5 * time.Second},
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "opa-oracle",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type opaResult struct {
	Result *struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
	} `json:"result"`
}

// Evaluate implements Oracle.
func (o *OPAOracle) Evaluate(ctx context.Context, q Query) (Decision, error) {
	res, err := o.breaker.Execute(func() (any, error) {
		return o.query(ctx, q)
	})
	if err != nil {
		return Decision{}, err
	}
	return res.(Decision), nil
}

func (o *OPAOracle) query(ctx context.Context, q Query) (Decision, error) {
	body, err := json.Marshal(map[string]any{"input": q})
	if err != nil {
		return Decision{}, fmt.Errorf("opa: marshal input: %w", err)
	}

	url := o.baseURL + "/v1/data/" + o.policyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("opa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("opa: query %s: %w", o.policyPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Decision{}, fmt.Errorf("opa: query %s: status %d: %s", o.policyPath, resp.StatusCode, snippet)
	}

	var parsed opaResult
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Decision{}, fmt.Errorf("opa: decode response: %w", err)
	}
	if parsed.Result == nil {
		return Decision{}, fmt.Errorf("opa: policy %s returned no result document", o.policyPath)
	}
	d := Decision{Allow: parsed.Result.Allow, Reason: parsed.Result.Reason}
	if !d.Allow && d.Reason == "" {
		d.Reason = "denied by policy " + o.policyPath
	}
	return d, nil
}
