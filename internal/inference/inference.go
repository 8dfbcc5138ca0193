package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"videochat/internal/models"
)

// MediaRef points a request at a remote asset.
type MediaRef struct {
	ID       string
	URI      string
	MimeType string
}

// Part is one element of a prompt: either text or a media reference.
type Part struct {
	Text  string
	Media *MediaRef
}

func TextPart(text string) Part {
	return Part{Text: text}
}

// MediaPart references a ready asset. Returns a zero Part for nil handles.
func MediaPart(h *models.AssetHandle) Part {
	if h == nil {
		return Part{}
	}
	return Part{Media: &MediaRef{ID: h.ID, URI: h.URI, MimeType: h.MimeType}}
}

// Request is a single generation call. A request carrying a media part is
// grounded and must not carry capabilities.
type Request struct {
	SessionID    string
	Parts        []Part
	History      []models.Turn
	Capabilities []Capability
}

// Grounded reports whether any part references media.
func (r Request) Grounded() bool {
	for _, p := range r.Parts {
		if p.Media != nil {
			return true
		}
	}
	return false
}

// Text joins the text parts of the request.
func (r Request) Text() string {
	texts := make([]string, 0, len(r.Parts))
	for _, p := range r.Parts {
		if p.Media == nil && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Generator produces a reply. Failures are reported as *InferenceError.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// InferenceError wraps any failure of the remote generation call:
// transport, auth, quota or an empty reply.
type InferenceError struct {
	Cause error
}

func (e *InferenceError) Error() string {
	if e.Cause == nil {
		return "inference failed"
	}
	return fmt.Sprintf("inference failed: %v", e.Cause)
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// Wrap converts err into an *InferenceError unless it already is one.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var ie *InferenceError
	if errors.As(err, &ie) {
		return err
	}
	return &InferenceError{Cause: err}
}
