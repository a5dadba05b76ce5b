// Package claude implements analysis.ReportGenerator on the Anthropic
// Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sentinel/internal/analysis"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// ErrEmptyResponse is returned when the API answers without any text.
var ErrEmptyResponse = errors.New("claude returned no text content")

// Client implements analysis.ReportGenerator for the Claude API.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude client with the given API key and model name. Extra
// request options (base URL, retries) are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(120 * time.Second),
	}
	return &Client{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate sends one single-turn request and returns the concatenated text.
func (c *Client) Generate(ctx context.Context, req *analysis.ReportRequest) (*analysis.Report, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	out := fromSDKResponse(msg)
	if out.Model == "" {
		out.Model = c.model
	}
	if out.Text == "" {
		return out, ErrEmptyResponse
	}
	return out, nil
}

func fromSDKResponse(msg *anthropic.Message) *analysis.Report {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return &analysis.Report{
		Text:         strings.Join(parts, "\n"),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}
