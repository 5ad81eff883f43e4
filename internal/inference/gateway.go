// Package inference wraps the Anthropic client as the bounded-output text
// inference gateway used by the chunk processor. It classifies provider
// failures into retryable and terminal classes and enforces a caller-level
// request rate.
package inference

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/chartparse/internal/config"
	"github.com/sells-group/chartparse/internal/cost"
	"github.com/sells-group/chartparse/internal/resilience"
	"github.com/sells-group/chartparse/pkg/anthropic"
)

// Request is one inference call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
}

// Result is the structured outcome of one inference call.
type Result struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Gateway performs a single bounded inference call. Implementations must be
// safe for concurrent use across sessions.
type Gateway interface {
	Infer(ctx context.Context, req Request) (*Result, error)
}

// anthropicGateway implements Gateway over the Anthropic messages API.
type anthropicGateway struct {
	client  anthropic.Client
	cfg     config.AnthropicConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	calc    *cost.Calculator
}

// NewGateway creates a Gateway backed by the given Anthropic client. The
// request rate across all sessions sharing this gateway is capped at
// cfg.RequestsPerMin, and a circuit breaker sheds calls when the provider
// fails repeatedly.
func NewGateway(client anthropic.Client, cfg config.AnthropicConfig) Gateway {
	rpm := cfg.RequestsPerMin
	if rpm <= 0 {
		rpm = 50
	}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		// Terminal errors (auth, oversized context) are the caller's problem
		// and must not poison the circuit for other sessions.
		ShouldTrip: IsRetryable,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("inference circuit state changed",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return &anthropicGateway{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		breaker: breaker,
		calc:    cost.NewCalculator(cost.DefaultRates()),
	}
}

func (g *anthropicGateway) Infer(ctx context.Context, req Request) (*Result, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Result, error) {
		return g.infer(ctx, req)
	})
}

func (g *anthropicGateway) infer(ctx context.Context, req Request) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxOutputTokens
	}

	msgReq := anthropic.MessageRequest{
		Model:       g.cfg.Model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	if req.System != "" {
		msgReq.System = []anthropic.SystemBlock{{Text: req.System}}
	}

	resp, err := g.client.CreateMessage(ctx, msgReq)
	if err != nil {
		if code, ok := anthropic.StatusCode(err); ok {
			return nil, classify(code, err)
		}
		// Transport failure without an API status; resilience.IsTransient
		// decides retryability downstream.
		return nil, err
	}

	return &Result{
		Content:      resp.Text(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD: g.calc.Claude(g.cfg.Model, cost.Usage{
			Input:      resp.Usage.InputTokens,
			Output:     resp.Usage.OutputTokens,
			CacheWrite: resp.Usage.CacheCreationInputTokens,
			CacheRead:  resp.Usage.CacheReadInputTokens,
		}),
	}, nil
}
