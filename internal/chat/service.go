package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"videochat/internal/inference"
	"videochat/internal/models"
	"videochat/internal/session"
)

// ErrorMarker prefixes assistant turns that record a failed inference.
const ErrorMarker = "❌ "

var ErrEmptyMessage = errors.New("message must not be empty")

// Runner serialises work per session. *worker.Dispatcher satisfies it.
type Runner interface {
	Do(ctx context.Context, key string, fn func(context.Context) error) error
}

// Service turns a user message into a pair of recorded turns.
type Service struct {
	store        *session.Registry
	generator    inference.Generator
	capabilities []inference.Capability
	runner       Runner
}

// NewService builds the dispatcher. runner may be nil, in which case messages
// run on the caller's goroutine.
func NewService(store *session.Registry, generator inference.Generator, caps []inference.Capability, runner Runner) *Service {
	return &Service{
		store:        store,
		generator:    generator,
		capabilities: caps,
		runner:       runner,
	}
}

// HandleMessage records the user turn, runs inference grounded on the active
// asset when there is one, and records the assistant reply. An inference
// failure is recorded as an error turn and also returned as *InferenceError.
// Errors from the runner (busy, stopped) are returned without touching the log.
// A session removed while the call runs gets no reply turn, and the call
// fails with session.ErrSessionRemoved.
func (s *Service) HandleMessage(ctx context.Context, sessionID, text string) (models.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Turn{}, ErrEmptyMessage
	}
	if s.runner == nil {
		return s.handle(ctx, sessionID, text)
	}

	var (
		reply   models.Turn
		callErr error
	)
	err := s.runner.Do(ctx, sessionID, func(jobCtx context.Context) error {
		reply, callErr = s.handle(jobCtx, sessionID, text)
		return nil
	})
	if err != nil {
		return models.Turn{}, err
	}
	return reply, callErr
}

func (s *Service) handle(ctx context.Context, sessionID, text string) (reply models.Turn, err error) {
	history, active, ref := s.store.RecordUserTurn(sessionID, models.NewTurn(models.RoleUser, text))

	req := inference.Request{SessionID: sessionID}
	if active != nil {
		req.Parts = []inference.Part{inference.MediaPart(active), inference.TextPart(text)}
	} else {
		req.Parts = []inference.Part{inference.TextPart(text)}
		req.History = withoutErrorTurns(history)
		req.Capabilities = s.capabilities
	}

	content, err := s.generate(ctx, req)
	if err != nil {
		log.Printf("[chat] session %s inference failed: %v", sessionID, err)
		reply = models.NewTurn(models.RoleAssistant, ErrorMarker+err.Error())
		if appendErr := s.store.AppendReply(ref, reply); appendErr != nil {
			log.Printf("[chat] session %s error turn dropped: %v", sessionID, appendErr)
		}
		return reply, inference.Wrap(err)
	}
	reply = models.NewTurn(models.RoleAssistant, content)
	if err := s.store.AppendReply(ref, reply); err != nil {
		log.Printf("[chat] session %s reply dropped: %v", sessionID, err)
		return reply, err
	}
	return reply, nil
}

// generate runs the model call and turns a panic into an error so the
// assistant turn is still recorded.
func (s *Service) generate(ctx context.Context, req inference.Request) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &inference.InferenceError{Cause: fmt.Errorf("inference panicked: %v", r)}
		}
	}()
	return s.generator.Generate(ctx, req)
}

func withoutErrorTurns(turns []models.Turn) []models.Turn {
	out := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if IsErrorTurn(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// IsErrorTurn reports whether turn records a failed inference.
func IsErrorTurn(turn models.Turn) bool {
	return turn.Role == models.RoleAssistant && strings.HasPrefix(turn.Content, ErrorMarker)
}
