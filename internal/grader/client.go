// Package grader talks to the external code-execution engine and classifies
// its raw output into a verdict.
package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the grading engine over HTTP. The engine runs the submitted
// code against the test code and returns its raw textual output; everything
// about sandboxing is the engine's problem.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a grading client. The timeout bounds the whole grading
// call so a stalled engine cannot stall the worker forever.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type gradeRequest struct {
	Code     string `json:"code"`
	TestCode string `json:"testCode"`
}

type gradeResponse struct {
	Result string `json:"result"`
}

// Grade runs code against testCode and returns the engine's raw output.
func (c *Client) Grade(ctx context.Context, code, testCode string) (string, error) {
	body, err := json.Marshal(gradeRequest{Code: code, TestCode: testCode})
	if err != nil {
		return "", fmt.Errorf("marshal grade request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build grade request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call grading engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("grading engine returned status %d: %s", resp.StatusCode, string(b))
	}

	var out gradeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode grade response: %w", err)
	}
	return out.Result, nil
}
