package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"videochat/internal/models"
	"videochat/internal/session"
)

const (
	TempFilePattern     = "upload-*"
	remoteDeleteTimeout = 10 * time.Second
)

// MediaService is the remote ingestion collaborator.
type MediaService interface {
	// Upload sends the file at path and returns the initial handle.
	Upload(ctx context.Context, path, mimeType, displayName string) (*models.AssetHandle, error)
	// Status returns the current view of the asset.
	Status(ctx context.Context, id string) (*models.AssetHandle, error)
}

// Deleter is implemented by media services that can drop remote assets.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Upload is one client upload.
type Upload struct {
	Body     io.Reader
	MimeType string
	Filename string
}

type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	UploadDir    string
	Clock        clockwork.Clock
}

// Pipeline turns uploads into ready asset handles bound to a session.
type Pipeline struct {
	media    MediaService
	store    *session.Registry
	clock    clockwork.Clock
	interval time.Duration
	maxWait  time.Duration
	dir      string
}

func NewPipeline(media MediaService, store *session.Registry, cfg Config) (*Pipeline, error) {
	if media == nil || store == nil {
		return nil, errors.New("media service and session registry are required")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if cfg.MaxWait < cfg.PollInterval {
		return nil, errors.New("max wait must not be shorter than the poll interval")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	dir := cfg.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	return &Pipeline{
		media:    media,
		store:    store,
		clock:    clk,
		interval: cfg.PollInterval,
		maxWait:  cfg.MaxWait,
		dir:      dir,
	}, nil
}

// Ingest uploads the bytes, waits for the remote side to settle and stores
// the result for sessionID.
//
// READY: the handle is stored (unless a later upload for the same session
// already stored its own) and returned. FAILED or a status error: the store
// keeps its prior value. Timeout: the still-processing handle is stored so
// status reporting reflects it; it is never active. When the session is
// removed before the result lands, the asset is deleted remotely and the
// ingestion fails with session.ErrSessionRemoved.
func (p *Pipeline) Ingest(ctx context.Context, sessionID string, up Upload) (*models.AssetHandle, error) {
	if up.Body == nil {
		return nil, ErrEmptyUpload
	}
	path, err := p.spool(up)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[ingest] remove temp file %s failed: %v", path, err)
		}
	}()

	ref := p.store.BeginIngest(sessionID)
	h, err := p.media.Upload(ctx, path, up.MimeType, displayName(up.Filename))
	if err != nil {
		return nil, failed(nil, fmt.Errorf("upload: %w", err))
	}
	if h == nil {
		return nil, failed(nil, errors.New("upload returned no handle"))
	}
	log.Printf("[ingest] session %s uploaded asset %s (%s)", sessionID, h.ID, h.State)

	start := p.clock.Now()
	polls := 0
	for !h.State.Terminal() {
		if p.clock.Since(start) >= p.maxWait {
			log.Printf("[ingest] session %s asset %s timed out after %d polls", sessionID, h.ID, polls)
			if err := p.commit(ctx, ref, h); errors.Is(err, session.ErrSessionRemoved) {
				return nil, failed(h, err)
			}
			return nil, timedOut(h)
		}
		select {
		case <-ctx.Done():
			return nil, failed(h, ctx.Err())
		case <-p.clock.After(p.interval):
		}
		polls++
		next, err := p.media.Status(ctx, h.ID)
		if err != nil {
			return nil, failed(h, fmt.Errorf("poll status: %w", err))
		}
		if next == nil {
			return nil, failed(h, errors.New("status returned no handle"))
		}
		h = next
	}

	if h.State == models.AssetFailed {
		log.Printf("[ingest] session %s asset %s failed remotely", sessionID, h.ID)
		return nil, failed(h, nil)
	}

	if err := p.commit(ctx, ref, h); errors.Is(err, session.ErrSessionRemoved) {
		return nil, failed(h, err)
	}
	log.Printf("[ingest] session %s asset %s ready after %d polls", sessionID, h.ID, polls)
	return h, nil
}

// commit stores h for the ingestion behind ref. A replaced asset is deleted
// remotely, and so is h when its session no longer exists.
func (p *Pipeline) commit(ctx context.Context, ref session.Ref, h *models.AssetHandle) error {
	prev, err := p.store.StoreIngested(ref, h)
	switch {
	case errors.Is(err, session.ErrSessionRemoved):
		log.Printf("[ingest] session %s removed before asset %s was stored", ref.SessionID(), h.ID)
		p.deleteRemote(ctx, h)
		return err
	case errors.Is(err, session.ErrSuperseded):
		log.Printf("[ingest] session %s asset %s superseded by a newer upload", ref.SessionID(), h.ID)
		return err
	case err != nil:
		return err
	}
	if prev != nil && prev.ID != h.ID {
		p.deleteRemote(ctx, prev)
	}
	return nil
}

// Refresh reports the current remote view of the stored handle without
// storing it. A handle left by a timed-out ingestion stays inactive even once
// the remote side finishes; only a new upload replaces it.
func (p *Pipeline) Refresh(ctx context.Context, sessionID string) (*models.AssetHandle, error) {
	h := p.store.RawHandle(sessionID)
	if h == nil || h.State.Terminal() {
		return h, nil
	}
	next, err := p.media.Status(ctx, h.ID)
	if err != nil {
		return h, fmt.Errorf("refresh asset %s: %w", h.ID, err)
	}
	if next == nil {
		return h, nil
	}
	return next, nil
}

// Release drops the remote copy of a handle that left the store.
func (p *Pipeline) Release(ctx context.Context, h *models.AssetHandle) {
	if h != nil {
		p.deleteRemote(ctx, h)
	}
}

func (p *Pipeline) spool(up Upload) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	pattern := TempFilePattern + strings.ToLower(filepath.Ext(up.Filename))
	f, err := os.CreateTemp(p.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(f, up.Body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil || n == 0 {
		os.Remove(f.Name())
		if copyErr != nil {
			return "", fmt.Errorf("write temp file: %w", copyErr)
		}
		return "", ErrEmptyUpload
	}
	return f.Name(), nil
}

func (p *Pipeline) deleteRemote(ctx context.Context, h *models.AssetHandle) {
	d, ok := p.media.(Deleter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteDeleteTimeout)
	defer cancel()
	if err := d.Delete(ctx, h.ID); err != nil {
		log.Printf("[ingest] delete asset %s failed: %v", h.ID, err)
		return
	}
	log.Printf("[ingest] deleted asset %s", h.ID)
}

func displayName(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
