package ingest

import (
	"errors"
	"fmt"

	"videochat/internal/models"
)

var (
	// ErrEmptyUpload rejects a missing or zero-length upload before any remote call.
	ErrEmptyUpload      = errors.New("upload is empty")
	ErrIngestionFailed  = errors.New("ingestion failed")
	ErrIngestionTimeout = errors.New("ingestion timed out")
)

// IngestionError carries the kind (ErrIngestionFailed or ErrIngestionTimeout),
// the last handle observed and the underlying cause, if any.
type IngestionError struct {
	Kind   error
	Handle *models.AssetHandle
	Cause  error
}

func (e *IngestionError) Error() string {
	id := ""
	if e.Handle != nil {
		id = e.Handle.ID
	}
	switch {
	case e.Cause != nil && id != "":
		return fmt.Sprintf("%v (asset %s): %v", e.Kind, id, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	case id != "":
		return fmt.Sprintf("%v (asset %s)", e.Kind, id)
	default:
		return e.Kind.Error()
	}
}

func (e *IngestionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func failed(h *models.AssetHandle, cause error) error {
	return &IngestionError{Kind: ErrIngestionFailed, Handle: h.Clone(), Cause: cause}
}

func timedOut(h *models.AssetHandle) error {
	return &IngestionError{Kind: ErrIngestionTimeout, Handle: h.Clone()}
}
