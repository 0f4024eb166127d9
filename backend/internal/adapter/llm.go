package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

// LLMAdapter handles chat completions against an OpenAI-compatible endpoint
// such as LiteLLM
type LLMAdapter struct {
	client     *openai.Client
	model      string
	mu         sync.RWMutex // Protects model field for concurrent access
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("LLM adapter model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// SetRetries changes how many times a transient failure is retried
func (a *LLMAdapter) SetRetries(n int, backoff time.Duration) {
	if n < 0 {
		n = 0
	}
	a.maxRetries = n
	a.backoff = backoff
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(baseURL, apiKey, modelID string) *LLMAdapter {
	return &LLMAdapter{
		client:     openai.NewClientWithConfig(clientConfig(baseURL, apiKey)),
		model:      modelID,
		maxRetries: 2,
		backoff:    time.Second,
		logger:     logger.Named("llm"),
	}
}

func clientConfig(baseURL, apiKey string) openai.ClientConfig {
	// LiteLLM accepts any key when none is configured
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return config
}

// Tool represents a function that can be called by the LLM
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition defines a function that can be called
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Response represents the LLM's response
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// ToolCall represents a function call from the LLM
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Generate sends a request to the LLM and returns the response. Rate limits
// and server errors are retried; every other failure returns at once.
func (a *LLMAdapter) Generate(ctx context.Context, systemPrompt, userMsg string, tools []Tool) (*Response, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: userMsg,
		},
	}

	openaiTools := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		openaiTools = append(openaiTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}

	currentModel := a.GetModel()
	req := openai.ChatCompletionRequest{
		Model:    currentModel,
		Messages: messages,
		// Extraction wants repeatable answers
		Temperature: 0.1,
	}
	if len(openaiTools) > 0 {
		req.Tools = openaiTools
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying LLM request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			if werr := sleep(ctx, backoff); werr != nil {
				return nil, werr
			}
		}

		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}

		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", currentModel),
		)
		if !transient(err) {
			break
		}
	}
	if err != nil {
		return nil, classify("llm", "chat completion", err)
	}

	if len(resp.Choices) == 0 {
		return nil, apperrors.NewExternalService("llm", "chat completion", errors.New("no choices in LLM response"))
	}

	choice := resp.Choices[0]
	response := &Response{
		Content:   choice.Message.Content,
		ToolCalls: make([]ToolCall, 0, len(choice.Message.ToolCalls)),
	}
	for _, tc := range choice.Message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	a.logger.Debug("LLM response generated",
		zap.String("model", currentModel),
		zap.Int("tool_calls", len(response.ToolCalls)),
		zap.Bool("has_content", response.Content != ""),
	)

	return response, nil
}

// GenerateInto calls a single tool and decodes its arguments into out. When
// the model answers in plain content instead, the content is decoded.
func (a *LLMAdapter) GenerateInto(ctx context.Context, systemPrompt, userMsg string, tool Tool, out interface{}) error {
	resp, err := a.Generate(ctx, systemPrompt, userMsg, []Tool{tool})
	if err != nil {
		return err
	}
	raw := resp.Content
	for _, tc := range resp.ToolCalls {
		if tc.Name == tool.Function.Name {
			raw = tc.Arguments
			break
		}
	}
	if err := decodeJSON(raw, out); err != nil {
		return apperrors.NewExternalService("llm", tool.Function.Name, err)
	}
	return nil
}

// decodeJSON parses a JSON document, tolerating markdown code fences
func decodeJSON(raw string, out interface{}) error {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}
	if raw == "" {
		return errors.New("empty response")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// transient reports rate limits, server errors and network failures
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status := statusCode(err); status != 0 {
		return status == http.StatusTooManyRequests || status >= 500
	}
	return true
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// classify maps provider errors onto the error taxonomy. Deadlines become
// timeouts, everything else an external failure.
func classify(service, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewContextTimeout(service+" "+op, 0, err)
	}
	return apperrors.NewExternalService(service, op, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
