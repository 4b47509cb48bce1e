// Package openai implements llm.Gateway over an OpenAI-compatible
// chat-completions endpoint, covering both the blocking JSON envelope and the
// data:-framed SSE streaming envelope.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"github.com/parleychat/parley/llm"
)

// DefaultTimeout is the hard per-request timeout applied to blocking sends.
const DefaultTimeout = 30 * time.Second

// Client is a stateless transport to a chat-completions API. It never retries;
// retry orchestration is the caller's responsibility.
type Client struct {
	api     *openai.Client
	model   string // fallback when the request does not name one
	timeout time.Duration
}

// NewClient creates a gateway client. baseURL overrides the default API
// endpoint (the multi-model gateway address); model is the default model used
// when a request leaves it blank.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, llm.NewError(llm.KindAuthInvalid, "api key is required", nil)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}, nil
}

// Send implements llm.Gateway.Send: one blocking round trip with a hard
// timeout.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, *chatReq)
	if err != nil {
		// WithTimeout firing must surface as a timeout, not a caller
		// cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
			return nil, llm.NewError(llm.KindTimeout, "request timed out", err)
		}
		return nil, convertError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, llm.NewError(llm.KindMalformedResponse, "response contained no choices", nil)
	}
	choice := resp.Choices[0]

	return &llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream implements llm.Gateway.Stream. Fragments are pushed through onChunk
// in arrival order; the assembled response is returned when the provider
// signals completion. Cancelling the context closes the connection and stops
// further onChunk calls.
func (c *Client) Stream(ctx context.Context, req *llm.Request, onChunk llm.ChunkFunc) (*llm.Response, error) {
	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, *chatReq)
	if err != nil {
		return nil, convertError(err)
	}
	defer stream.Close()

	var (
		content      []byte
		finishReason string
		model        string
		usage        llm.Usage
	)

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, convertError(err)
		}
		if ctx.Err() != nil {
			return nil, llm.NewError(llm.KindCancelled, "stream cancelled", ctx.Err())
		}

		if frame.Model != "" {
			model = frame.Model
		}
		if frame.Usage != nil {
			usage = llm.Usage{
				PromptTokens:     frame.Usage.PromptTokens,
				CompletionTokens: frame.Usage.CompletionTokens,
				TotalTokens:      frame.Usage.TotalTokens,
			}
		}
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if fragment := choice.Delta.Content; fragment != "" {
			content = append(content, fragment...)
			if onChunk != nil {
				onChunk(fragment)
			}
		}
	}

	assembled := string(content)
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = llm.EstimateTokens(assembled)
	}
	if model == "" {
		model = chatReq.Model
	}
	return &llm.Response{
		Content:      assembled,
		Model:        model,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

// buildRequest converts the provider-neutral request into the wire shape,
// windowing history to the token budget.
func (c *Client) buildRequest(req *llm.Request, stream bool) (*openai.ChatCompletionRequest, error) {
	if req == nil {
		return nil, llm.NewError(llm.KindValidation, "request is required", nil)
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, llm.NewError(llm.KindValidation, "model is required", nil)
	}
	if len(req.Messages) == 0 {
		return nil, llm.NewError(llm.KindValidation, "at least one message is required", nil)
	}

	history := llm.WindowMessages(req.Messages, req.TokenBudget)
	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: lo.Map(history, func(m llm.Message, _ int) openai.ChatCompletionMessage {
			return openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			}
		}),
		Stream: stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	return &chatReq, nil
}

// convertError normalizes go-openai errors into the llm taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := llm.Classify(apiErr.HTTPStatusCode, nil)
		e := &llm.Error{
			Kind:       kind,
			Message:    fmt.Sprintf("provider error: %s", apiErr.Message),
			StatusCode: apiErr.HTTPStatusCode,
			Cause:      err,
		}
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &llm.Error{
			Kind:       llm.Classify(reqErr.HTTPStatusCode, nil),
			Message:    "provider request failed",
			StatusCode: reqErr.HTTPStatusCode,
			Cause:      err,
		}
	}

	kind := llm.Classify(0, err)
	switch kind {
	case llm.KindCancelled:
		return llm.NewError(llm.KindCancelled, "request cancelled", err)
	case llm.KindTimeout:
		return llm.NewError(llm.KindTimeout, "request timed out", err)
	default:
		return llm.NewError(llm.KindNetwork, "transport failure", err)
	}
}
