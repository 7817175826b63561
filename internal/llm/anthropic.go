package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ryosukesatoh/daily-digest/internal/retry"
)

const anthropicDefaultURL = "https://api.anthropic.com"

// Anthropic uses the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

func NewAnthropic(apiKey, model, baseURL string, maxTokens int) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}
	return &Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Anthropic API request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (c *Anthropic) Generate(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	body := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  make([]anthropicMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return Response{}, &Error{Provider: "anthropic", Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return Response{}, &Error{Provider: "anthropic", Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		return Response{}, &Error{Provider: "anthropic", Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &Error{Provider: "anthropic", Message: "failed to read response", Transient: true, Err: err}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return Response{}, &Error{
				Provider:   "anthropic",
				StatusCode: resp.StatusCode,
				Message:    truncate(string(respBody), 200),
				Transient:  retry.HTTPStatusRetryable(resp.StatusCode),
			}
		}
		return Response{}, &Error{Provider: "anthropic", Message: "failed to parse response", Err: err}
	}

	if apiResp.Error != nil || resp.StatusCode != http.StatusOK {
		e := &Error{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Transient:  retry.HTTPStatusRetryable(resp.StatusCode),
		}
		if apiResp.Error != nil {
			e.Type = apiResp.Error.Type
			e.Message = apiResp.Error.Message
			switch apiResp.Error.Type {
			case "overloaded_error", "rate_limit_error", "api_error":
				e.Transient = true
			}
		}
		return Response{}, e
	}

	var sb strings.Builder
	for _, part := range apiResp.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Response{}, &Error{Provider: "anthropic", Message: "empty response", Transient: true}
	}
	return Response{Text: text}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
