package gemini

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"google.golang.org/genai"

	"videochat/internal/config"
	"videochat/internal/inference"
	"videochat/internal/models"
)

const groundedInstruction = "You are a visual inspection expert. Answer the user's question " +
	"using the attached video. Say so when the video does not show what is asked. " +
	"Use **bold** for key findings and * for lists."

type fileAPI interface {
	UploadFromPath(ctx context.Context, path string, cfg *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, cfg *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, cfg *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

type modelAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client serves both the media ingestion and the grounded generation sides
// of the Gemini API over one genai client.
type Client struct {
	raw    *genai.Client
	files  fileAPI
	models modelAPI
	model  string
}

// NewClient builds the genai client over the shared outbound HTTP client.
func NewClient(ctx context.Context, cfg *config.Config, httpClient *http.Client) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	raw, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.Gemini.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("new genai client: %w", err)
	}
	return &Client{
		raw:    raw,
		files:  raw.Files,
		models: raw.Models,
		model:  cfg.Gemini.Model,
	}, nil
}

// Raw exposes the genai client so the agent's chat model can share it.
func (c *Client) Raw() *genai.Client {
	return c.raw
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Upload(ctx context.Context, path, mimeType, displayName string) (*models.AssetHandle, error) {
	f, err := c.files.UploadFromPath(ctx, path, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	if f == nil {
		return nil, errors.New("upload file: empty response")
	}
	h := toHandle(f)
	if h.State == "" {
		h.State = models.AssetUploading
	}
	return h, nil
}

func (c *Client) Status(ctx context.Context, id string) (*models.AssetHandle, error) {
	f, err := c.files.Get(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	if f == nil {
		return nil, fmt.Errorf("get file %s: empty response", id)
	}
	h := toHandle(f)
	if h.State == "" {
		h.State = models.AssetProcessing
	}
	if h.State == models.AssetFailed && f.Error != nil {
		log.Printf("[gemini] file %s failed: %s", id, f.Error.Message)
	}
	return h, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if _, err := c.files.Delete(ctx, id, nil); err != nil {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

// Generate sends the request straight to the model with no tools attached.
func (c *Client) Generate(ctx context.Context, req inference.Request) (string, error) {
	contents := historyContents(req.History)
	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		switch {
		case p.Media != nil:
			if p.Media.URI == "" {
				return "", &inference.InferenceError{Cause: fmt.Errorf("asset %s has no uri", p.Media.ID)}
			}
			parts = append(parts, genai.NewPartFromURI(p.Media.URI, p.Media.MimeType))
		case p.Text != "":
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
	}
	if len(parts) == 0 {
		return "", &inference.InferenceError{Cause: errors.New("empty prompt")}
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

	var genCfg *genai.GenerateContentConfig
	if req.Grounded() {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(groundedInstruction, genai.RoleUser),
		}
	}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		return "", &inference.InferenceError{Cause: fmt.Errorf("generate content: %w", err)}
	}
	var text string
	if resp != nil {
		text = resp.Text()
	}
	if text == "" {
		return "", &inference.InferenceError{Cause: errors.New("model returned empty text")}
	}
	return text, nil
}

func historyContents(history []models.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	return contents
}

func toHandle(f *genai.File) *models.AssetHandle {
	return &models.AssetHandle{
		ID:          f.Name,
		State:       toState(f.State),
		URI:         f.URI,
		MimeType:    f.MIMEType,
		DisplayName: f.DisplayName,
		CreatedAt:   f.CreateTime,
	}
}

func toState(s genai.FileState) models.AssetState {
	switch s {
	case genai.FileStateActive:
		return models.AssetReady
	case genai.FileStateFailed:
		return models.AssetFailed
	case genai.FileStateProcessing:
		return models.AssetProcessing
	default:
		return ""
	}
}
