package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// MessagesClient is the subset of the Anthropic SDK the adapter needs.
// Satisfied by *sdk.MessageService; tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic implements Client on the Claude Messages API.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// NewAnthropic builds a client for the given model. baseURL is optional
// and supports proxy deployments.
func NewAnthropic(apiKey, baseURL, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return &Anthropic{msg: &ac.Messages, model: model, maxTokens: defaultMaxTokens}, nil
}

// NewAnthropicFromService wires an existing Messages service; used by
// tests.
func NewAnthropicFromService(msg MessagesClient, model string) *Anthropic {
	return &Anthropic{msg: msg, model: model, maxTokens: defaultMaxTokens}
}

func (a *Anthropic) Model() string { return a.model }

func (a *Anthropic) Chat(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	for _, t := range req.Tools {
		schema := sdk.ToolInputSchemaParam{}
		if t.InputSchema != nil {
			schema.ExtraFields = t.InputSchema
		}
		tool := sdk.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	for _, m := range req.Messages {
		blocks, err := encodeBlocks(m)
		if err != nil {
			return nil, err
		}
		switch m.Role {
		case RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		case RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return decodeMessage(msg)
}

func encodeBlocks(m Message) ([]sdk.ContentBlockParamUnion, error) {
	var blocks []sdk.ContentBlockParamUnion
	for _, tr := range m.ToolResults {
		blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
	}
	if m.Text != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Text))
	}
	for _, tc := range m.ToolCalls {
		input, err := json.Marshal(tc.Args)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(input), tc.Name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, sdk.NewTextBlock(""))
	}
	return blocks, nil
}

func decodeMessage(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, errors.New("nil response message")
	}
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("tool input for %s: %w", block.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID: block.ID, Name: block.Name, Args: args,
			})
		}
	}
	return resp, nil
}
