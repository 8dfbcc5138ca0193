package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/jonboulle/clockwork"
	"google.golang.org/genai"

	"videochat/internal/config"
	"videochat/internal/inference"
	"videochat/internal/models"
)

// scriptedModel replies with its script in order and records every call.
type scriptedModel struct {
	mu        sync.Mutex
	script    []*schema.Message
	err       error
	inputs    [][]*schema.Message
	toolNames []string
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.script) == 0 {
		return schema.AssistantMessage("done", nil), nil
	}
	next := m.script[0]
	m.script = m.script[1:]
	return next, nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tools {
		m.toolNames = append(m.toolNames, t.Name)
	}
	return m, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

type recordingGenerator struct {
	mu    sync.Mutex
	reqs  []inference.Request
	reply string
	err   error
}

func (g *recordingGenerator) Generate(_ context.Context, req inference.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return g.reply, g.err
}

type staticHandles map[string]*models.AssetHandle

func (h staticHandles) ActiveHandle(sessionID string) *models.AssetHandle {
	return h[sessionID]
}

func newTestService(t *testing.T, m *scriptedModel, grounded inference.Generator) *Service {
	t.Helper()
	orig := newChatModel
	newChatModel = func(context.Context, string, *config.Config, *genai.Client) (model.ToolCallingChatModel, error) {
		return m, nil
	}
	t.Cleanup(func() { newChatModel = orig })
	svc, err := NewService(context.Background(), &config.Config{}, grounded, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestGroundedRequestBypassesAgent(t *testing.T) {
	m := &scriptedModel{}
	grounded := &recordingGenerator{reply: "the video shows a bridge"}
	svc := newTestService(t, m, grounded)

	h := &models.AssetHandle{ID: "files/a", URI: "uri://a", MimeType: "video/mp4", State: models.AssetReady}
	reply, err := svc.Generate(context.Background(), inference.Request{
		SessionID: "s1",
		Parts:     []inference.Part{inference.MediaPart(h), inference.TextPart("what is it?")},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "the video shows a bridge" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if m.calls() != 0 {
		t.Fatalf("chat model must not be consulted for grounded requests")
	}
	if len(grounded.reqs) != 1 {
		t.Fatalf("grounded generator not called")
	}
}

func TestGroundedFailureIsInferenceError(t *testing.T) {
	cause := errors.New("permission denied")
	svc := newTestService(t, &scriptedModel{}, &recordingGenerator{err: cause})
	h := &models.AssetHandle{ID: "files/a", URI: "uri://a", State: models.AssetReady}
	_, err := svc.Generate(context.Background(), inference.Request{Parts: []inference.Part{inference.MediaPart(h), inference.TextPart("q")}})
	var ie *inference.InferenceError
	if !errors.As(err, &ie) || !errors.Is(err, cause) {
		t.Fatalf("expected inference error, got %v", err)
	}
}

func TestUngroundedWithoutCapabilitiesUsesModel(t *testing.T) {
	m := &scriptedModel{script: []*schema.Message{schema.AssistantMessage("hello there", nil)}}
	svc := newTestService(t, m, &recordingGenerator{})

	reply, err := svc.Generate(context.Background(), inference.Request{
		History: []models.Turn{models.NewTurn(models.RoleUser, "hi"), models.NewTurn(models.RoleAssistant, "hey")},
		Parts:   []inference.Part{inference.TextPart("how are you?")},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("unexpected reply %q", reply)
	}
	input := m.inputs[0]
	if len(input) != 4 || input[0].Role != schema.System || input[2].Role != schema.Assistant || input[3].Content != "how are you?" {
		t.Fatalf("unexpected messages %+v", input)
	}
}

func TestUngroundedModelErrorIsInferenceError(t *testing.T) {
	cause := errors.New("unauthorized")
	svc := newTestService(t, &scriptedModel{err: cause}, &recordingGenerator{})
	_, err := svc.Generate(context.Background(), inference.Request{Parts: []inference.Part{inference.TextPart("hi")}})
	var ie *inference.InferenceError
	if !errors.As(err, &ie) || !errors.Is(err, cause) {
		t.Fatalf("expected inference error, got %v", err)
	}
}

func TestAgentCallsCapabilityTool(t *testing.T) {
	weather := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Shenzhen" || r.URL.Query().Get("format") != "3" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Write([]byte("Shenzhen: +28°C"))
	}))
	defer weather.Close()

	m := &scriptedModel{script: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{{
			ID:       "call-1",
			Type:     "function",
			Function: schema.FunctionCall{Name: string(inference.WeatherLookup), Arguments: `{"location":"Shenzhen"}`},
		}}),
		schema.AssistantMessage("It is 28°C in Shenzhen.", nil),
	}}
	svc := newTestService(t, m, &recordingGenerator{})
	caps := []inference.Capability{
		toolCapability{kind: inference.WeatherLookup, tool: newWeatherTool(ToolsOptions{HTTPClient: weather.Client(), WeatherBaseURL: weather.URL})},
	}

	reply, err := svc.Generate(context.Background(), inference.Request{
		SessionID:    "s1",
		Parts:        []inference.Part{inference.TextPart("weather in Shenzhen?")},
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "It is 28°C in Shenzhen." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(m.toolNames) == 0 || m.toolNames[0] != string(inference.WeatherLookup) {
		t.Fatalf("weather tool not bound: %v", m.toolNames)
	}
	second := m.inputs[len(m.inputs)-1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || !strings.Contains(last.Content, "28") {
		t.Fatalf("tool result not fed back to the model: %+v", last)
	}

	if _, err := svc.Generate(context.Background(), inference.Request{Parts: []inference.Part{inference.TextPart("again")}, Capabilities: caps}); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if len(svc.agents) != 1 {
		t.Fatalf("agent should be cached per capability set, got %d", len(svc.agents))
	}
}

func TestVideoAnalysisToolUsesSessionHandle(t *testing.T) {
	grounded := &recordingGenerator{reply: "three drones"}
	h := &models.AssetHandle{ID: "files/a", URI: "uri://a", MimeType: "video/mp4", State: models.AssetReady}
	v := &videoAnalysisTool{handles: staticHandles{"with-video": h}, gen: grounded}

	got, err := v.run(WithToolSession(context.Background(), "without-video"), &videoAnalysisParams{Query: "how many drones?"})
	if err != nil || got != noVideoNotice {
		t.Fatalf("expected notice, got %q %v", got, err)
	}
	if len(grounded.reqs) != 0 {
		t.Fatalf("no grounded call expected without a video")
	}

	got, err = v.run(WithToolSession(context.Background(), "with-video"), &videoAnalysisParams{Query: "how many drones?"})
	if err != nil || got != "three drones" {
		t.Fatalf("unexpected analysis %q %v", got, err)
	}
	if !grounded.reqs[0].Grounded() || grounded.reqs[0].Parts[0].Media.ID != "files/a" {
		t.Fatalf("grounded request missing media: %+v", grounded.reqs[0])
	}
}

type fakeSearch struct {
	name   string
	result string
	err    error
	calls  int
}

func (f *fakeSearch) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: f.name}, nil
}

func (f *fakeSearch) InvokableRun(context.Context, string, ...tool.Option) (string, error) {
	f.calls++
	return f.result, f.err
}

func TestWebSearchFallsBackAndRateLimits(t *testing.T) {
	clk := clockwork.NewFakeClock()
	google := &fakeSearch{name: "google", err: errors.New("quota")}
	duck := &fakeSearch{name: "ddg", result: "ddg results"}
	ws := &webSearchTool{
		google:     google,
		duck:       duck,
		httpClient: http.DefaultClient,
		limiter:    newToolRateLimiter(2, time.Minute, clk),
	}
	ctx := WithToolSession(context.Background(), "s1")

	got, err := ws.run(ctx, &webSearchParams{Query: "drone regulations"})
	if err != nil || got != "ddg results" {
		t.Fatalf("expected duckduckgo fallback, got %q %v", got, err)
	}
	if google.calls != 1 || duck.calls != 1 {
		t.Fatalf("unexpected provider calls google=%d ddg=%d", google.calls, duck.calls)
	}
	if _, err := ws.run(ctx, &webSearchParams{Query: "again"}); err != nil {
		t.Fatalf("second search: %v", err)
	}
	if _, err := ws.run(ctx, &webSearchParams{Query: "third"}); err == nil {
		t.Fatalf("expected rate limit error")
	}
	if _, err := ws.run(WithToolSession(context.Background(), "s2"), &webSearchParams{Query: "other session"}); err != nil {
		t.Fatalf("rate limit must be per session: %v", err)
	}
	clk.Advance(time.Minute + time.Second)
	if _, err := ws.run(ctx, &webSearchParams{Query: "after window"}); err != nil {
		t.Fatalf("rate limit should reset after window: %v", err)
	}
}

func TestWebSearchFetchesURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page body"))
	}))
	defer page.Close()

	duck := &fakeSearch{name: "ddg", result: "unused"}
	ws := &webSearchTool{duck: duck, httpClient: page.Client(), limiter: newToolRateLimiter(5, time.Minute, nil)}
	got, err := ws.run(context.Background(), &webSearchParams{Query: page.URL})
	if err != nil || got != "page body" {
		t.Fatalf("expected fetched page, got %q %v", got, err)
	}
	if duck.calls != 0 {
		t.Fatalf("search provider should not be used for URLs")
	}
}
