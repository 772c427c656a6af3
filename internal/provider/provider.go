// Package provider contains the HTTP adapters for the external text and image
// generation services. Each call is a single request; retries and pacing are
// left to the caller.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"boardgen/internal/pipeline"
)

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// newClient builds a client. A zero timeout leaves calls bounded only by
// their context.
func newClient(baseURL, apiKey string, timeout time.Duration) client {
	if timeout < 0 {
		timeout = 0
	}
	return client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// TextClient calls POST {base}/v1/completions.
type TextClient struct {
	client
	maxTokens int
}

// NewTextClient creates a text client. A zero timeout means no client-side limit.
func NewTextClient(baseURL, apiKey string, timeout time.Duration) *TextClient {
	return &TextClient{client: newClient(baseURL, apiKey, timeout), maxTokens: 2048}
}

type completionRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type completionResponse struct {
	Text  string `json:"text"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *TextClient) GenerateText(ctx context.Context, prompt string) (pipeline.Completion, error) {
	var resp completionResponse
	if err := c.post(ctx, "/v1/completions", completionRequest{Prompt: prompt, MaxTokens: c.maxTokens}, &resp); err != nil {
		return pipeline.Completion{}, err
	}
	return pipeline.Completion{
		Text:         resp.Text,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// ImageClient calls POST {base}/v1/images. The service stores the images
// and answers with their URLs.
type ImageClient struct {
	client
}

func NewImageClient(baseURL, apiKey string, timeout time.Duration) *ImageClient {
	return &ImageClient{client: newClient(baseURL, apiKey, timeout)}
}

type imageResponse struct {
	URLs []string `json:"urls"`
}

func (c *ImageClient) GenerateImages(ctx context.Context, spec pipeline.ImageSpec) ([]string, error) {
	var resp imageResponse
	if err := c.post(ctx, "/v1/images", spec, &resp); err != nil {
		return nil, err
	}
	return resp.URLs, nil
}
