package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DataPath is the OPA REST path of the decision document.
const DataPath = "/v1/data/privypress/decision"

// maxResponseBytes caps how much of an OPA response is read.
const maxResponseBytes = 1 << 20

// HTTPEvaluator queries a running OPA server over its REST API.
type HTTPEvaluator struct {
	url    string
	client *http.Client
}

// NewHTTPEvaluator targets the OPA server at baseURL. A nil client uses
// http.DefaultClient; deadlines come from the caller's context.
func NewHTTPEvaluator(baseURL string, client *http.Client) *HTTPEvaluator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEvaluator{url: strings.TrimRight(baseURL, "/") + DataPath, client: client}
}

// Evaluate posts {"input": in} and reads {"result": verdict}. A non-2xx
// status or missing result is ErrEvaluation.
func (e *HTTPEvaluator) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	body, err := json.Marshal(struct {
		Input Input `json:"input"`
	}{in})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding input: %v", ErrEvaluation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrEvaluation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: opa returned %d", ErrEvaluation, resp.StatusCode)
	}

	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEvaluation, err)
	}
	if len(out.Result) == 0 || string(out.Result) == "null" {
		return nil, fmt.Errorf("%w: %s is undefined", ErrEvaluation, Query)
	}
	return DecodeVerdict(out.Result)
}
