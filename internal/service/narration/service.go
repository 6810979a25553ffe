// Package narration turns a resolved turn into prose. The dev authority uses
// it to fill in the narration that clients poll for.
package narration

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/graymar/client/internal/config"
)

// Request describes one resolved turn.
type Request struct {
	RunID    string
	TurnNo   int
	PresetID string
	NodeType string
	Input    string
	Summary  string
	Events   []string
	// History holds earlier narration, oldest first.
	History []string
}

// Narrator produces narration for a turn.
type Narrator interface {
	Narrate(ctx context.Context, req Request) (string, error)
	Name() string
}

// Service narrates with a chat model behind an eino chain.
type Service struct {
	modelName string
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the narration chain from the AI configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newService(ctx, chatModel, cfg.Model)
}

func newService(ctx context.Context, chatModel model.BaseChatModel, modelName string) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile narration chain: %w", err)
	}

	return &Service{modelName: modelName, chain: runnable}, nil
}

// Name reports the model used.
func (s *Service) Name() string {
	return s.modelName
}

// Narrate generates the narration of one turn.
func (s *Service) Narrate(ctx context.Context, req Request) (string, error) {
	response, err := s.chain.Invoke(ctx, buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to run narration chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	if text == "" {
		return "", fmt.Errorf("model returned empty narration")
	}
	log.Printf("[narration] run=%s turn=%d length=%d", req.RunID, req.TurnNo, len(text))
	return text, nil
}

const historyLimit = 6

func buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  buildSystemPrompt(req),
		"history": buildHistoryMessages(req.History),
		"query":   buildQuery(req),
	}
}

func buildSystemPrompt(req Request) string {
	var builder strings.Builder
	builder.WriteString("You are the narrator of a dark fantasy adventure. ")
	builder.WriteString("Describe what just happened in two or three vivid sentences, in second person. ")
	builder.WriteString("Never invent mechanical results; only dramatize the facts you are given.")
	if req.PresetID != "" {
		builder.WriteString("\nThe player's background: ")
		builder.WriteString(req.PresetID)
		builder.WriteString(".")
	}
	if req.NodeType != "" {
		builder.WriteString("\nCurrent scene type: ")
		builder.WriteString(req.NodeType)
		builder.WriteString(".")
	}
	return builder.String()
}

func buildHistoryMessages(history []string) []*schema.Message {
	if len(history) == 0 {
		return nil
	}
	start := 0
	if len(history) > historyLimit {
		start = len(history) - historyLimit
	}
	out := make([]*schema.Message, 0, len(history)-start)
	for _, text := range history[start:] {
		out = append(out, schema.AssistantMessage(text, nil))
	}
	return out
}

func buildQuery(req Request) string {
	var builder strings.Builder
	if req.Input != "" {
		builder.WriteString("Player action: ")
		builder.WriteString(req.Input)
		builder.WriteString("\n")
	}
	builder.WriteString("Outcome: ")
	builder.WriteString(req.Summary)
	for _, event := range req.Events {
		builder.WriteString("\n- ")
		builder.WriteString(event)
	}
	return builder.String()
}

// Echo narrates with the mechanical summary. It stands in when no model is configured.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Narrate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(req.Summary)
	if len(req.Events) > 0 {
		text = strings.TrimSpace(text + " " + strings.Join(req.Events, " "))
	}
	if text == "" {
		return "", fmt.Errorf("nothing to narrate for turn %d", req.TurnNo)
	}
	return text, nil
}
