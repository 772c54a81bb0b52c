package llm

import (
	"context"
	"fmt"

	"github.com/go-deepseek/deepseek"
	"github.com/go-deepseek/deepseek/request"
)

const defaultDeepSeekModel = "deepseek-chat"

type DeepSeek struct {
	client      deepseek.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewDeepSeek(cfg Config) (*DeepSeek, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepseek api key is required")
	}
	client, err := deepseek.NewClient(cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("create deepseek client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultDeepSeekModel
	}
	return &DeepSeek{client: client, model: model, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}, nil
}

func (d *DeepSeek) Name() string { return "deepseek" }

func (d *DeepSeek) Complete(ctx context.Context, system, user string) (string, error) {
	var temp *float32
	if d.temperature > 0 {
		t := float32(d.temperature)
		temp = &t
	}
	req := &request.ChatCompletionsRequest{
		Model: d.model,
		Messages: []*request.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   d.maxTokens,
		Temperature: temp,
		Stream:      false,
	}
	resp, err := d.client.CallChatCompletionsChat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("deepseek request: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
