package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/imkarma/weave/internal/config"
)

// APIRunner calls an LLM provider's API directly.
type APIRunner struct {
	name      string
	cfg       config.Agent
	apiKey    string
	client    *http.Client
	anthropic *anthropic.Client
}

// NewAPIRunner creates a runner that calls LLM APIs.
func NewAPIRunner(name string, cfg config.Agent) (*APIRunner, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("agent %s: environment variable %s is not set", name, cfg.APIKeyEnv)
	}

	timeout := time.Duration(cfg.DefaultTimeout()) * time.Second
	r := &APIRunner{
		name:   name,
		cfg:    cfg,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
	if cfg.Provider == "anthropic" {
		opts := []option.RequestOption{
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(r.client),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		c := anthropic.NewClient(opts...)
		r.anthropic = &c
	}
	return r, nil
}

func (r *APIRunner) Name() string { return r.name }
func (r *APIRunner) Mode() string { return ModeAPI }

// Run sends the prompt to the configured API provider. Transport and HTTP
// status failures come back as a Response with Error set.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	var (
		output string
		code   int
		err    error
	)
	switch r.cfg.Provider {
	case "openai":
		output, code, err = r.runOpenAI(ctx, req)
	case "anthropic":
		output, code, err = r.runAnthropic(ctx, req)
	case "google":
		output, code, err = r.runGoogle(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported API provider: %s", r.cfg.Provider)
	}

	resp := &Response{Output: output, ExitCode: code, Duration: time.Since(start)}
	if err != nil {
		if resp.ExitCode == 0 {
			resp.ExitCode = -1
		}
		resp.Error = fmt.Errorf("agent %s: %w", r.name, err)
	}
	return resp, nil
}

// runOpenAI handles OpenAI-compatible APIs (OpenAI, OpenRouter, local proxies).
func (r *APIRunner) runOpenAI(ctx context.Context, req Request) (string, int, error) {
	base := r.cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	body := map[string]any{
		"model": r.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens": r.cfg.EffectiveMaxTokens(),
	}
	headers := map[string]string{}
	if r.apiKey != "" {
		headers["Authorization"] = "Bearer " + r.apiKey
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	code, err := r.postJSON(ctx, strings.TrimRight(base, "/")+"/chat/completions", headers, body, &result)
	if err != nil {
		return "", code, err
	}
	if len(result.Choices) == 0 {
		return "", 0, nil
	}
	return result.Choices[0].Message.Content, 0, nil
}

// runAnthropic uses the Messages API through the official SDK.
func (r *APIRunner) runAnthropic(ctx context.Context, req Request) (string, int, error) {
	model := anthropic.Model(r.cfg.Model)
	if model == "" {
		model = anthropic.Model("claude-sonnet-4-5")
	}
	msg, err := r.anthropic.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: int64(r.cfg.EffectiveMaxTokens()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", apiErr.StatusCode, fmt.Errorf("API returned status %d: %w", apiErr.StatusCode, err)
		}
		return "", -1, fmt.Errorf("API call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), 0, nil
}

// runGoogle handles Google's Generative AI API (Gemini).
func (r *APIRunner) runGoogle(ctx context.Context, req Request) (string, int, error) {
	model := r.cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", model)
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": req.Prompt}}},
		},
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	code, err := r.postJSON(ctx, url, map[string]string{"x-goog-api-key": r.apiKey}, body, &result)
	if err != nil {
		return "", code, err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", 0, nil
	}
	return result.Candidates[0].Content.Parts[0].Text, 0, nil
}

// postJSON sends body as JSON and decodes a 200 response into out. On a
// non-200 status the status code is returned with an error carrying the
// response body.
func (r *APIRunner) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) (int, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return -1, fmt.Errorf("API call failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return -1, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return httpResp.StatusCode, fmt.Errorf("API returned status %d: %s", httpResp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return -1, fmt.Errorf("parse response: %w", err)
	}
	return 0, nil
}
