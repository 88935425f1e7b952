// Package llm talks to an OpenAI-compatible generation provider: streamed
// chat completions, token counting, and text-to-speech.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrRateLimited   = errors.New("rate limited")
	ErrStreamError   = errors.New("stream error")
)

const defaultRequestTimeout = 60 * time.Second

// API is the provider surface bound to one credential.
type API interface {
	CountTokens(ctx context.Context, model string, messages []Message) (int, error)
	StreamChat(ctx context.Context, req ChatRequest, fn func(Chunk) error) error
	GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// Client handles communication with the provider for one API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

var _ API = (*Client)(nil)

// CountTokens estimates the prompt size locally. The count is advisory.
func (c *Client) CountTokens(ctx context.Context, model string, messages []Message) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		n, err := EstimateTokens(m.Content)
		if err != nil {
			return 0, err
		}
		// role and framing overhead per message, as in the cl100k chat format
		total += n + 4
	}
	return total, nil
}

// StreamChat sends a chat request and calls fn for each streamed chunk.
// A non-nil error from fn stops the stream and is returned as-is.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, fn func(Chunk) error) error {
	req.Stream = true
	req.StreamOptions = &StreamOptions{IncludeUsage: true}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	return processStream(ctx, resp.Body, fn)
}

// processStream reads SSE events and calls fn for each content delta.
func processStream(ctx context.Context, reader io.Reader, fn func(Chunk) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Error != nil {
			if isRateLimit(chunk.Error) {
				return fmt.Errorf("%w: %s", ErrRateLimited, chunk.Error.Message)
			}
			return fmt.Errorf("%w: %s", ErrStreamError, chunk.Error.Message)
		}

		out := Chunk{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			if delta == nil {
				delta = chunk.Choices[0].Message
			}
			if delta != nil {
				out.Text = delta.Content
			}
		}
		if out.Text == "" && out.Usage == nil {
			continue
		}
		if err := fn(out); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		// A cancelled request surfaces as a body read error.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// GenerateSpeech renders text to audio bytes.
func (c *Client) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, nil
	}
	return audio, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	log.Printf("llm api error status=%d body=%s", resp.StatusCode, truncate(string(body), 300))
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %d - %s", ErrRateLimited, resp.StatusCode, string(body))
	}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && isRateLimit(wrapped.Error) {
		return fmt.Errorf("%w: %d - %s", ErrRateLimited, resp.StatusCode, wrapped.Error.Message)
	}
	return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(body))
}

func isRateLimit(e *APIError) bool {
	code := strings.Trim(string(e.Code), `"`)
	if code == "429" || strings.EqualFold(code, "rate_limit_exceeded") || strings.EqualFold(code, "resource_exhausted") {
		return true
	}
	if strings.EqualFold(e.Status, "RESOURCE_EXHAUSTED") || strings.EqualFold(e.Type, "rate_limit_error") {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
