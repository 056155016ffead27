// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/matteing/opal/pkg/types"
)

var osGetenv = os.Getenv

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// StreamChat implements the provider interface's stream operation from
// spec.md §4.3: it invokes the concrete provider's CreateCompletion and
// wraps the resulting raw stream in the spec's lazy, cancellable
// StreamEvent sequence.
func StreamChat(ctx context.Context, p Provider, req *CompletionRequest) (*Stream, error) {
	raw, err := p.CreateCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return NewStream(ctx, raw), nil
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	TopP        float64           `json:"topP,omitempty"`
	StopWords   []string          `json:"stopWords,omitempty"`
}

// resolveModelID implements the three-deep fallback the Anthropic and
// OpenAI providers use to pick a model when a caller doesn't name one
// (the ARK provider has no hardcoded default and errors instead): the
// explicit config value, then the provider's env var override (useful
// for swapping models per-deployment without touching opal.json), then
// the provider's hardcoded default.
func resolveModelID(configured, envVar, fallback string) string {
	if configured != "" {
		return configured
	}
	if v := envGetter(envVar); v != "" {
		return v
	}
	return fallback
}

// envGetter is a var, not a direct os.Getenv call, so tests can stub
// environment lookups without mutating real process environment.
var envGetter = osGetenv

// clampTemperature keeps an agent-configured temperature within the
// range every provider in this package accepts, so a bad opal.json
// value (or an agent config that copy-pasted a 0-1 scale) doesn't
// reach the wire as an out-of-range float the API would reject.
func clampTemperature(t float64) float32 {
	if t < 0 {
		return 0
	}
	if t > 2 {
		return 2
	}
	return float32(t)
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// ConvertMessages implements the provider interface's convert_messages
// operation: it turns a conversation path into the wire value a
// concrete provider's ChatModel expects (Eino's []*schema.Message),
// losslessly within Eino's capabilities. Messages keep their path
// order; system messages are mapped to the system role where they
// stand and are not moved. Eino's own ChatModel adapters decide
// per-model whether a system message is honored — that capability
// check lives in each concrete adapter, not in this shared conversion.
func ConvertMessages(path []*types.Message) []*schema.Message {
	result := make([]*schema.Message, 0, len(path))
	for _, msg := range path {
		result = append(result, convertOneMessage(msg))
	}
	return result
}

func convertOneMessage(msg *types.Message) *schema.Message {
	out := &schema.Message{Content: msg.Content}

	switch msg.Role {
	case types.RoleUser:
		out.Role = schema.User
	case types.RoleSystem:
		out.Role = schema.System
	case types.RoleToolResult:
		out.Role = schema.Tool
		out.ToolCallID = msg.CallID
		if msg.IsError && out.Content == "" {
			out.Content = "(error)"
		}
	case types.RoleToolCall, types.RoleAssistant:
		out.Role = schema.Assistant
	default:
		out.Role = schema.Assistant
	}

	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = make([]schema.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			out.ToolCalls[i] = schema.ToolCall{
				ID: tc.CallID,
				Function: schema.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			}
		}
	}
	if msg.Thinking != "" {
		out.ReasoningContent = msg.Thinking
	}

	return out
}

// ConvertTools implements the provider interface's convert_tools
// operation, a thin rename of ConvertToEinoTools kept for naming
// parity with the other convert_* operations.
func ConvertTools(tools []ToolInfo) []*schema.ToolInfo {
	return ConvertToEinoTools(tools)
}
