// Package oracle implements thin HTTP clients for the two external
// request/response services this system treats as best-effort oracles
// (spec.md §6 "External services"): a speech-to-text endpoint and a
// chat-completion endpoint used for summarization. Both are uniform in
// failure mode: any non-2xx status or empty body is surfaced as an error.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotRecognized is returned when the STT oracle explicitly signals it
// could not transcribe the payload, distinct from a transport-level
// failure — callers treat it as an empty result, not an error to retry.
var ErrNotRecognized = errors.New("oracle: speech not recognized")

// Transcriber posts a 16 kHz mono WAV payload and returns its transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// Summarizer posts a fixed prompt plus a text payload and returns the
// model's response content.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// newHTTPClient builds a retrying HTTP client (up to 3 retries after the
// first attempt, exponential backoff from 500ms capped at 4s), optionally
// routed through proxyURL, per the
// "use proxy" feature flag (spec.md §6).
func newHTTPClient(proxyURL string) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.Logger = nil

	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			rc.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
		}
	}
	return rc.StandardClient()
}

// STTClient is the HTTP-backed Transcriber.
type STTClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewSTTClient builds an STTClient posting to endpoint with bearer token
// authentication, optionally through proxyURL.
func NewSTTClient(endpoint, token, proxyURL string) *STTClient {
	return &STTClient{endpoint: endpoint, token: token, client: newHTTPClient(proxyURL)}
}

type sttResponse struct {
	Text          string `json:"text"`
	NotRecognized bool   `json:"not_recognized"`
}

// Transcribe posts the WAV file at wavPath as the request body.
func (c *STTClient) Transcribe(ctx context.Context, wavPath string) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("oracle: stt: open %s: %w", wavPath, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, f)
	if err != nil {
		return "", fmt.Errorf("oracle: stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle: stt: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("oracle: stt: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("oracle: stt: status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("oracle: stt: empty response body")
	}

	var parsed sttResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("oracle: stt: decode response: %w", err)
	}
	if parsed.NotRecognized {
		return "", ErrNotRecognized
	}
	return parsed.Text, nil
}

// LLMClient is the HTTP-backed Summarizer, speaking a chat-completion
// style protocol (fixed system prompt plus a user payload, expects a
// choices[0].message.content reply).
type LLMClient struct {
	endpoint string
	token    string
	prompt   string
	client   *http.Client
}

// NewLLMClient builds an LLMClient posting to endpoint with bearer token
// authentication and a fixed summarization prompt, optionally through
// proxyURL.
func NewLLMClient(endpoint, token, prompt, proxyURL string) *LLMClient {
	if prompt == "" {
		prompt = "Summarize the following transcript concisely."
	}
	return &LLMClient{endpoint: endpoint, token: token, prompt: prompt, client: newHTTPClient(proxyURL)}
}

type chatCompletionRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize posts the fixed prompt plus text and returns the first
// choice's content.
func (c *LLMClient) Summarize(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(chatCompletionRequest{Messages: []chatMessage{
		{Role: "system", Content: c.prompt},
		{Role: "user", Content: text},
	}})
	if err != nil {
		return "", fmt.Errorf("oracle: llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("oracle: llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oracle: llm: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("oracle: llm: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("oracle: llm: status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("oracle: llm: empty response body")
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("oracle: llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("oracle: llm: no content in response")
	}
	return parsed.Choices[0].Message.Content, nil
}
