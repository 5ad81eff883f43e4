package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chartparse/internal/config"
	"github.com/sells-group/chartparse/internal/resilience"
	"github.com/sells-group/chartparse/pkg/anthropic"
)

type stubClient struct {
	resp  *anthropic.MessageResponse
	err   error
	calls int
}

func (c *stubClient) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func testConfig() config.AnthropicConfig {
	return config.AnthropicConfig{
		Model:           "claude-haiku-4-5-20251001",
		MaxOutputTokens: 4096,
		// High enough that the limiter never stalls a test run.
		RequestsPerMin: 6000,
	}
}

func TestGateway_InferSuccess(t *testing.T) {
	client := &stubClient{
		resp: &anthropic.MessageResponse{
			Content: []anthropic.ContentBlock{{Type: "text", Text: `{"entities":[]}`}},
			Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200},
		},
	}
	gw := NewGateway(client, testConfig())

	res, err := gw.Infer(context.Background(), Request{Prompt: "split these pages"})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, res.Content)
	assert.Equal(t, int64(1000), res.InputTokens)
	assert.Equal(t, int64(200), res.OutputTokens)
	assert.Greater(t, res.CostUSD, 0.0)
}

func TestGateway_BreakerOpensOnRepeatedTransportFailure(t *testing.T) {
	client := &stubClient{err: errors.New("read: connection reset by peer")}
	gw := NewGateway(client, testConfig())

	for i := 0; i < 5; i++ {
		_, err := gw.Infer(context.Background(), Request{Prompt: "p"})
		require.Error(t, err)
	}
	assert.Equal(t, 5, client.calls)

	// The sixth call is shed without reaching the client.
	_, err := gw.Infer(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 5, client.calls)
}

func TestGateway_TerminalErrorsDoNotTrip(t *testing.T) {
	client := &stubClient{err: &Error{Class: ClassUnauthorized, Err: errors.New("invalid api key")}}
	gw := NewGateway(client, testConfig())

	for i := 0; i < 8; i++ {
		_, err := gw.Infer(context.Background(), Request{Prompt: "p"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
	}
	assert.Equal(t, 8, client.calls)
}

func TestGateway_MaxTokensDefaultsFromConfig(t *testing.T) {
	var captured anthropic.MessageRequest
	client := &captureClient{resp: &anthropic.MessageResponse{}, captured: &captured}
	gw := NewGateway(client, testConfig())

	_, err := gw.Infer(context.Background(), Request{System: "sys", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), captured.MaxTokens)
	require.Len(t, captured.System, 1)
	assert.Equal(t, "sys", captured.System[0].Text)
}

type captureClient struct {
	resp     *anthropic.MessageResponse
	captured *anthropic.MessageRequest
}

func (c *captureClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	*c.captured = req
	return c.resp, nil
}
