// Package llm turns an assembled conversation context into a model reply.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"convmem/internal/memory"
)

const DefaultSystemPrompt = "You are a helpful assistant. Use the earlier conversation to stay consistent."

var (
	ErrMissingAPIKey = errors.New("openai api key is not set")
	ErrEmptyReply    = errors.New("no response received from OpenAI")
)

// Responder produces the assistant's next message for a context.
type Responder interface {
	Reply(ctx context.Context, entries []memory.ContextEntry) (string, error)
}

type OpenAIOptions struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the
	// public API.
	BaseURL      string
	SystemPrompt string
}

// OpenAI is a Responder backed by chat completions.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), opts: opts}, nil
}

func (o *OpenAI) Reply(ctx context.Context, entries []memory.ContextEntry) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Messages:    chatMessages(o.opts.SystemPrompt, entries),
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}

func chatMessages(systemPrompt string, entries []memory.ContextEntry) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(entries)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, e := range entries {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(e.Role),
			Content: e.Content,
		})
	}
	return messages
}
