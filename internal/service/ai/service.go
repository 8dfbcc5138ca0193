package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"videochat/internal/config"
	"videochat/internal/inference"
	"videochat/internal/models"
)

const agentInstruction = `You are an analysis assistant with multimodal and retrieval abilities.
Use video_analysis for questions about an uploaded video, web_search for current regulations,
news or policies, and weather_lookup for weather. You specialise in low-altitude inspection,
drone monitoring and airspace management, but answer any question.
Call a tool whenever real-time information or video content is needed.
Use **bold** for key points and * for lists.`

// newChatModel builds the tool-calling model for a provider. Swapped in tests.
var newChatModel = func(ctx context.Context, provider string, cfg *config.Config, genaiClient *genai.Client) (model.ToolCallingChatModel, error) {
	switch provider {
	case "gemini":
		if genaiClient == nil {
			return nil, errors.New("gemini provider requires a genai client")
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: genaiClient,
			Model:  cfg.Gemini.Model,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
			},
		})
	case "openai":
		provCfg, ok := cfg.Providers[provider]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", provider)
		}
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "claude":
		provCfg, ok := cfg.Providers[provider]
		if !ok {
			return nil, fmt.Errorf("provider %s not configured", provider)
		}
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Service answers inference requests. Grounded requests go straight to the
// grounded generator; ungrounded ones run through a react agent carrying the
// requested capabilities as tools.
type Service struct {
	chatModel model.ToolCallingChatModel
	grounded  inference.Generator

	mu     sync.Mutex
	agents map[string]*react.Agent
}

func NewService(ctx context.Context, cfg *config.Config, grounded inference.Generator, genaiClient *genai.Client) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if grounded == nil {
		return nil, errors.New("grounded generator required")
	}
	chatModel, err := newChatModel(ctx, cfg.BasicConfig.Provider, cfg, genaiClient)
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	return &Service{
		chatModel: chatModel,
		grounded:  grounded,
		agents:    make(map[string]*react.Agent),
	}, nil
}

func (s *Service) Generate(ctx context.Context, req inference.Request) (string, error) {
	if req.Grounded() {
		reply, err := s.grounded.Generate(ctx, req)
		return reply, inference.Wrap(err)
	}

	prompt := req.Text()
	if strings.TrimSpace(prompt) == "" {
		return "", &inference.InferenceError{Cause: errors.New("empty prompt")}
	}
	messages := convertMessages(req.History, prompt)
	ctx = WithToolSession(ctx, req.SessionID)

	tools := toolsFor(req.Capabilities)
	var (
		msg *schema.Message
		err error
	)
	if len(tools) == 0 {
		msg, err = s.chatModel.Generate(ctx, messages)
	} else {
		agent, agentErr := s.agentFor(ctx, req.Capabilities, tools)
		if agentErr != nil {
			return "", &inference.InferenceError{Cause: agentErr}
		}
		msg, err = agent.Generate(ctx, messages)
	}
	if err != nil {
		return "", &inference.InferenceError{Cause: fmt.Errorf("generate: %w", err)}
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", &inference.InferenceError{Cause: errors.New("model returned empty text")}
	}
	return msg.Content, nil
}

// agentFor returns the agent for a capability set, building it on first use.
func (s *Service) agentFor(ctx context.Context, caps []inference.Capability, tools []tool.BaseTool) (*react.Agent, error) {
	key := capabilityKey(caps)
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent, ok := s.agents[key]; ok {
		return agent, nil
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: s.chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	log.Printf("[ai] built agent for capabilities [%s]", key)
	s.agents[key] = agent
	return agent, nil
}

type toolProvider interface {
	Tool() tool.BaseTool
}

func toolsFor(caps []inference.Capability) []tool.BaseTool {
	tools := make([]tool.BaseTool, 0, len(caps))
	seen := make(map[inference.CapabilityKind]bool, len(caps))
	for _, c := range caps {
		if c == nil || seen[c.Kind()] {
			continue
		}
		seen[c.Kind()] = true
		tp, ok := c.(toolProvider)
		if !ok || tp.Tool() == nil {
			log.Printf("[ai] capability %s has no tool, skipped", c.Kind())
			continue
		}
		tools = append(tools, tp.Tool())
	}
	return tools
}

func capabilityKey(caps []inference.Capability) string {
	kinds := inference.Kinds(caps)
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func convertMessages(history []models.Turn, prompt string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(agentInstruction))
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(turn.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(turn.Content))
		}
	}
	return append(messages, schema.UserMessage(prompt))
}
