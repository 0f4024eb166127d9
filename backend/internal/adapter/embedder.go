package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"kgraph/backend/internal/resolver"
	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

// Embedder turns text into vectors with an OpenAI-compatible embeddings API
type Embedder struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewEmbedder(baseURL, apiKey, model string) *Embedder {
	return &Embedder{
		client: openai.NewClientWithConfig(clientConfig(baseURL, apiKey)),
		model:  model,
		logger: logger.Named("embedder"),
	}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewValidation("text", "cannot embed empty text")
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		e.logger.Warn("Embedding request failed", zap.String("model", e.model), zap.Error(err))
		return nil, classify("embedding", "embed", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, apperrors.NewExternalService("embedding", "embed", errors.New("no embedding in response"))
	}
	return resp.Data[0].Embedding, nil
}

// ============================================================================
// Circuit Breaker
// ============================================================================

// BreakerConfig holds configuration for the embedding circuit breaker
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// Trip once this share of at least MinRequests calls failed
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration for the breaker
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// BreakerEmbedder stops calling a failing embedding provider for a while so
// resolution degrades quickly to the exact and fuzzy tiers
type BreakerEmbedder struct {
	next resolver.Embedder
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerEmbedder(next resolver.Embedder, cfg BreakerConfig) *BreakerEmbedder {
	log := logger.Named("breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Bad input and caller cancellation say nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				apperrors.IsErrorType(err, apperrors.ErrorTypeValidation) ||
				errors.Is(err, context.Canceled)
		},
	})
	return &BreakerEmbedder{next: next, cb: cb}
}

// State reports the breaker state, mainly for tests and health output
func (b *BreakerEmbedder) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.NewExternalService("embedding", "embed", err)
		}
		return nil, err
	}
	return out.([]float32), nil
}
