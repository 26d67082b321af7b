package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider is a real OpenAI-compatible chat-completion client. Ported
// from original_source/llm.py::OpenAIProvider, generalized to accept any
// compatible base URL so self-hosted/Azure-style endpoints work too.
type HTTPProvider struct {
	APIKey  string
	BaseURL string // e.g. "https://api.openai.com/v1"
	Client  *http.Client
}

// NewHTTPProvider builds an HTTPProvider with sane defaults.
func NewHTTPProvider(apiKey, baseURL string, timeout time.Duration) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPProvider{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

type chatCompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Response, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.RequireJSON {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return Response{}, &ProviderError{Retryable: false, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return Response{}, &ProviderError{Retryable: false, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Retryable: true, Err: fmt.Errorf("openai request failed: %w", err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &ProviderError{Retryable: true, Err: fmt.Errorf("reading openai response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		return Response{}, &ProviderError{
			Retryable:  retryableStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("openai api error (%d): %s", resp.StatusCode, string(payload)),
		}
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Response{}, &ProviderError{Retryable: false, Err: fmt.Errorf("decoding openai response: %w", err)}
	}

	var text, finishReason string
	if len(decoded.Choices) > 0 {
		text = decoded.Choices[0].Message.Content
		finishReason = decoded.Choices[0].FinishReason
	}

	return Response{
		Text:         text,
		FinishReason: finishReason,
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}
