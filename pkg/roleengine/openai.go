package roleengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/swarmassistant/swarmd/pkg/models"
)

func modelsTokenUsage(input, output, cacheRead, cacheWrite int64) models.TokenUsage {
	return models.TokenUsage{
		InputTokens:      input,
		OutputTokens:     output,
		CacheReadTokens:  cacheRead,
		CacheWriteTokens: cacheWrite,
	}
}

// OpenAIProvider speaks any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIProvider creates a provider under the given name, so the same
// implementation can serve "openai", "openrouter", or a local endpoint.
func NewOpenAIProvider(name, baseURL, apiKey string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Probe(_ context.Context) bool { return p.apiKey != "" }

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Execute posts one chat completion and returns the first choice.
func (p *OpenAIProvider) Execute(ctx context.Context, spec ModelSpec, prompt string, opts ExecuteOptions) (*ModelResponse, error) {
	reqBody := openAIRequest{
		Model:     spec.Model,
		Messages:  []openAIMessage{{Role: "user", Content: prompt}},
		MaxTokens: opts.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	var decoded openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return nil, fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, msg)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}

	usage := modelsTokenUsage(decoded.Usage.PromptTokens, decoded.Usage.CompletionTokens, 0, 0)
	if decoded.Usage.PromptTokensDetails != nil {
		usage.CacheReadTokens = decoded.Usage.PromptTokensDetails.CachedTokens
	}
	return &ModelResponse{
		Output:  decoded.Choices[0].Message.Content,
		ModelID: decoded.Model,
		Latency: time.Since(start),
		Usage:   usage,
	}, nil
}
