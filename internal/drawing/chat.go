package drawing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/canvasmate/internal/ai"
	"github.com/canvasmate/internal/llm"
)

// FallbackReply is returned to the user whenever the chat flow fails.
const FallbackReply = "Sorry, I encountered an error processing your request."

type ToolAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type ChatResponse struct {
	Type    string       `json:"type"`
	Content string       `json:"content,omitempty"`
	Actions []ToolAction `json:"actions,omitempty"`
}

// ChatModel is the model call the chat flow needs.
type ChatModel interface {
	GenerateChat(ctx context.Context, systemPrompt, message string) (string, error)
}

// Toolbox is the part of the drawing backend the chat flow needs.
type Toolbox interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) ([]string, error)
	DescribeScene(ctx context.Context) (string, error)
}

type ChatService struct {
	model ChatModel
	tools Toolbox
}

func NewChatService(model ChatModel, tools Toolbox) *ChatService {
	return &ChatService{model: model, tools: tools}
}

// ProcessMessage answers a chat message. When the model asks for tool calls
// they are all attempted; a failing call is logged and the rest still run.
// Any failure of the flow itself yields FallbackReply.
func (s *ChatService) ProcessMessage(ctx context.Context, message string) *ChatResponse {
	resp, err := s.process(ctx, message)
	if err != nil {
		log.Error().Err(err).Msg("Chat request failed")
		return &ChatResponse{Type: "text", Content: FallbackReply}
	}
	return resp
}

func (s *ChatService) process(ctx context.Context, message string) (*ChatResponse, error) {
	scene, err := s.tools.DescribeScene(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe scene: %w", err)
	}

	var toolNames []string
	if tools, err := s.tools.ListTools(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not list drawing tools, using defaults in prompt")
	} else {
		for _, t := range tools {
			entry := t.Name
			if t.Description != "" {
				entry += ": " + t.Description
			}
			toolNames = append(toolNames, entry)
		}
	}

	reply, err := s.model.GenerateChat(ctx, ai.ChatSystemPrompt(scene, toolNames), message)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	var parsed ChatResponse
	if err := json.Unmarshal([]byte(llm.Extract(reply)), &parsed); err != nil {
		return nil, fmt.Errorf("chat reply is not JSON: %w", err)
	}

	if parsed.Type == "actions" {
		s.execute(ctx, parsed.Actions)
	}
	return &parsed, nil
}

func (s *ChatService) execute(ctx context.Context, actions []ToolAction) {
	for i, a := range actions {
		if _, err := s.tools.CallTool(ctx, a.Tool, a.Args); err != nil {
			log.Warn().Err(err).Int("index", i).Str("tool", a.Tool).Msg("Drawing tool call failed")
			continue
		}
		log.Debug().Int("index", i).Str("tool", a.Tool).Msg("Drawing tool call succeeded")
	}
}
