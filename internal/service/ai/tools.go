package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/jonboulle/clockwork"

	"videochat/internal/inference"
	"videochat/internal/models"
)

const (
	DefaultWeatherBaseURL = "https://wttr.in"
	noVideoNotice         = "No video is currently mounted for this conversation. Ask the user to upload a video first."
)

// HandleSource resolves the ready asset of a session.
type HandleSource interface {
	ActiveHandle(sessionID string) *models.AssetHandle
}

// ToolsOptions wires the capability tools to their backends.
type ToolsOptions struct {
	HTTPClient           *http.Client
	GoogleAPIKey         string
	GoogleSearchEngineID string
	WeatherBaseURL       string
	Handles              HandleSource
	Grounded             inference.Generator
	Clock                clockwork.Clock
}

type toolCapability struct {
	kind inference.CapabilityKind
	tool tool.InvokableTool
}

func (c toolCapability) Kind() inference.CapabilityKind { return c.kind }

func (c toolCapability) Tool() tool.BaseTool { return c.tool }

// NewCapabilities builds every capability whose backend is available.
func NewCapabilities(opts ToolsOptions) []inference.Capability {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}
	var caps []inference.Capability
	if t := newVideoAnalysisTool(opts); t != nil {
		caps = append(caps, toolCapability{kind: inference.VideoAnalysis, tool: t})
	}
	if t := newWebSearchTool(opts); t != nil {
		caps = append(caps, toolCapability{kind: inference.WebSearch, tool: t})
	}
	if t := newWeatherTool(opts); t != nil {
		caps = append(caps, toolCapability{kind: inference.WeatherLookup, tool: t})
	}
	return caps
}

// video analysis tool

type videoAnalysisTool struct {
	handles HandleSource
	gen     inference.Generator
}

type videoAnalysisParams struct {
	Query string `json:"query"`
}

func newVideoAnalysisTool(opts ToolsOptions) tool.InvokableTool {
	if opts.Handles == nil || opts.Grounded == nil {
		log.Printf("video analysis tool disabled: no handle source or grounded generator")
		return nil
	}
	v := &videoAnalysisTool{handles: opts.Handles, gen: opts.Grounded}
	info := &schema.ToolInfo{
		Name: string(inference.VideoAnalysis),
		Desc: "Analyze the video the user uploaded in this conversation and answer a question about it.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "The question to answer about the uploaded video",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, v.run)
}

func (v *videoAnalysisTool) run(ctx context.Context, params *videoAnalysisParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Query) == "" {
		return "", errors.New("query must not be empty")
	}
	sessionID, ok := ToolSessionFromContext(ctx)
	if !ok {
		return noVideoNotice, nil
	}
	h := v.handles.ActiveHandle(sessionID)
	if h == nil {
		return noVideoNotice, nil
	}
	reply, err := v.gen.Generate(ctx, inference.Request{
		SessionID: sessionID,
		Parts:     []inference.Part{inference.MediaPart(h), inference.TextPart(params.Query)},
	})
	if err != nil {
		// Reported back to the agent rather than failing the whole turn.
		return fmt.Sprintf("video analysis failed: %v", err), nil
	}
	return reply, nil
}

// web search tool

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func newWebSearchTool(opts ToolsOptions) tool.InvokableTool {
	googleTool := initGoogleSearch(opts.GoogleAPIKey, opts.GoogleSearchEngineID)
	duckTool := initDDGSearch()
	if googleTool == nil && duckTool == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: opts.HTTPClient,
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow, opts.Clock),
	}

	info := &schema.ToolInfo{
		Name: string(inference.WebSearch),
		Desc: "Search the web for current information such as regulations, news or policies; " +
			"automatically fallbacks to another provider if needed; " +
			"fetches the page directly when given a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	key := "global"
	if sessionID, ok := ToolSessionFromContext(ctx); ok {
		key = "session:" + sessionID
	}
	if !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		if content, err := fetchText(ctx, w.httpClient, query); err == nil {
			return content, nil
		} else {
			log.Printf("web url loader failed: %v", err)
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}

	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}

	return "", errors.New("no search provider succeeded")
}

func initDDGSearch() tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 5,
		Region:     duckduckgo.RegionWT,
		Timeout:    WebSearchHTTPTimeout,
	})
	if err != nil {
		log.Printf("duckduckgo search disabled: %v", err)
		return nil
	}
	return duckTool
}

func initGoogleSearch(apiKey, engineID string) tool.InvokableTool {
	if apiKey == "" || engineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search disabled: %v", err)
		return nil
	}
	return googleTool
}

// weather tool

type weatherTool struct {
	baseURL    string
	httpClient *http.Client
}

type weatherParams struct {
	Location string `json:"location"`
	Detailed bool   `json:"detailed,omitempty"`
}

func newWeatherTool(opts ToolsOptions) tool.InvokableTool {
	base := strings.TrimRight(opts.WeatherBaseURL, "/")
	if base == "" {
		base = DefaultWeatherBaseURL
	}
	client := opts.HTTPClient
	if client.Timeout == 0 || client.Timeout > WeatherHTTPTimeout {
		c := *client
		c.Timeout = WeatherHTTPTimeout
		client = &c
	}
	w := &weatherTool{baseURL: base, httpClient: client}
	info := &schema.ToolInfo{
		Name: string(inference.WeatherLookup),
		Desc: "Look up the current weather, or a three day forecast when detailed is true, for a city or place.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"location": {
				Desc:     "City or place name, e.g. Shenzhen",
				Type:     schema.String,
				Required: true,
			},
			"detailed": {
				Desc:     "Return the multi-day forecast instead of a one line summary",
				Type:     schema.Boolean,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, w.run)
}

func (w *weatherTool) run(ctx context.Context, params *weatherParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Location) == "" {
		return "", errors.New("location must not be empty")
	}
	target := w.baseURL + "/" + url.PathEscape(strings.TrimSpace(params.Location))
	if params.Detailed {
		target += "?T&lang=en"
	} else {
		target += "?format=3"
	}
	text, err := fetchText(ctx, w.httpClient, target)
	if err != nil {
		return "", fmt.Errorf("weather lookup: %w", err)
	}
	if text == "" {
		return "", errors.New("weather lookup returned nothing")
	}
	return text, nil
}
