package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"boardgen/pkg/api"
)

// BoardClient handles API calls to the boardgen controller.
type BoardClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	// StreamClient has no timeout, event streams stay open for the whole run
	StreamClient *http.Client
}

// NewBoardClient creates a new client with the given base URL and token.
func NewBoardClient(baseURL, token string) *BoardClient {
	return &BoardClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *BoardClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	req.Header.Add("Content-Type", "application/json")
	return req, nil
}

// do sends the request and decodes the body into out when the status is one
// of accept. It returns the status code.
func (c *BoardClient) do(ctx context.Context, method, path string, body, out interface{}, accept ...int) (int, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return 0, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if !slices.Contains(accept, resp.StatusCode) {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// errorMessage extracts the message of an api.ErrorResponse body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		if e.Details != "" {
			return e.Error + ": " + e.Details
		}
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// SubmitExecution sends POST /executions. When the balance does not cover the
// batch, the failed execution is returned together with a 402 APIError.
func (c *BoardClient) SubmitExecution(ctx context.Context, cfg api.BatchConfig) (*api.SubmitExecutionResponse, error) {
	var result api.SubmitExecutionResponse
	status, err := c.do(ctx, http.MethodPost, "/executions", cfg, &result, http.StatusAccepted, http.StatusPaymentRequired)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPaymentRequired {
		return &result, &APIError{StatusCode: status, Message: "insufficient credits"}
	}
	return &result, nil
}

// Estimate sends POST /estimates.
func (c *BoardClient) Estimate(ctx context.Context, cfg api.BatchConfig) (*api.EstimateResponse, error) {
	var result api.EstimateResponse
	if _, err := c.do(ctx, http.MethodPost, "/estimates", cfg, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecution sends GET /executions/{id} to retrieve execution details.
func (c *BoardClient) GetExecution(ctx context.Context, executionID string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	if _, err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// StopExecution sends POST /executions/{id}/stop.
func (c *BoardClient) StopExecution(ctx context.Context, executionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/stop", nil, nil, http.StatusAccepted)
	return err
}

// ResumeExecution sends POST /executions/{id}/resume.
func (c *BoardClient) ResumeExecution(ctx context.Context, executionID string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	if _, err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/resume", nil, &result, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamEvents reads GET /executions/{id}/events and calls fn for every event
// until the terminal event, the end of the stream or ctx is done.
func (c *BoardClient) StreamEvents(ctx context.Context, executionID string, fn func(api.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue // Event names, keep-alive comments and separators
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("failed to parse event: %w", err)
		}
		fn(ev)
		if ev.Type.IsTerminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

// GetBalance sends GET /balance.
func (c *BoardClient) GetBalance(ctx context.Context) (*api.BalanceResponse, error) {
	var result api.BalanceResponse
	if _, err := c.do(ctx, http.MethodGet, "/balance", nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ImportUnits sends POST /units.
func (c *BoardClient) ImportUnits(ctx context.Context, units []api.Unit) (*api.ImportUnitsResponse, error) {
	var result api.ImportUnitsResponse
	if _, err := c.do(ctx, http.MethodPost, "/units", api.ImportUnitsRequest{Units: units}, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListUnits sends GET /units.
func (c *BoardClient) ListUnits(ctx context.Context, categoryIDs []string, onlyMissing bool) ([]api.Unit, error) {
	q := url.Values{}
	if len(categoryIDs) > 0 {
		q.Set("category_id", strings.Join(categoryIDs, ","))
	}
	if onlyMissing {
		q.Set("only_missing", "true")
	}
	path := "/units"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result api.ListUnitsResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.Units, nil
}

// CreateOrganization sends POST /organizations (admin).
func (c *BoardClient) CreateOrganization(ctx context.Context, req api.CreateOrganizationRequest) (*api.CreateOrganizationResponse, error) {
	var result api.CreateOrganizationResponse
	if _, err := c.do(ctx, http.MethodPost, "/organizations", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// GrantCredits sends POST /credits/grants (admin).
func (c *BoardClient) GrantCredits(ctx context.Context, req api.GrantCreditsRequest) (*api.GrantCreditsResponse, error) {
	var result api.GrantCreditsResponse
	if _, err := c.do(ctx, http.MethodPost, "/credits/grants", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}
