package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"videochat/internal/auth"
	"videochat/internal/chat"
	"videochat/internal/config"
	"videochat/internal/inference"
	"videochat/internal/ingest"
	"videochat/internal/models"
	"videochat/internal/session"
	"videochat/internal/worker"
)

// Ingester uploads videos and reports their remote state. *ingest.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, sessionID string, up ingest.Upload) (*models.AssetHandle, error)
	Refresh(ctx context.Context, sessionID string) (*models.AssetHandle, error)
	Release(ctx context.Context, h *models.AssetHandle)
}

// Chatter answers a user message. *chat.Service satisfies it.
type Chatter interface {
	HandleMessage(ctx context.Context, sessionID, text string) (models.Turn, error)
}

// JobCanceller drops queued work of a session. *worker.Dispatcher satisfies it.
type JobCanceller interface {
	Cancel(key string)
}

// Forgetter drops the mirrored copy of a session. *session.Mirror satisfies it.
type Forgetter interface {
	Forget(sessionID string)
}

type Options struct {
	Store    *session.Registry
	Ingester Ingester
	Chat     Chatter
	Sessions *auth.Sessions
	// Jobs and Mirror are optional.
	Jobs           JobCanceller
	Mirror         Forgetter
	MaxUploadBytes int64
}

// Handler wires HTTP routes to the session registry, the ingestion pipeline
// and the chat service.
type Handler struct {
	store     *session.Registry
	ingester  Ingester
	chat      Chatter
	sessions  *auth.Sessions
	jobs      JobCanceller
	mirror    Forgetter
	maxUpload int64
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = config.DefaultMaxUploadBytes
	}
	if opts.Sessions == nil {
		opts.Sessions = auth.NewSessions(opts.Store, 0)
	}
	return &Handler{
		store:     opts.Store,
		ingester:  opts.Ingester,
		chat:      opts.Chat,
		sessions:  opts.Sessions,
		jobs:      opts.Jobs,
		mirror:    opts.Mirror,
		maxUpload: opts.MaxUploadBytes,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	api := router.Group("/api")
	api.Use(h.sessions.Middleware())
	api.POST("/upload-video", h.uploadVideo)
	api.POST("/chat", h.sendMessage)
	api.GET("/chat-history", h.chatHistory)
	api.GET("/video-status", h.videoStatus)
	api.GET("/session", h.sessionInfo)
	api.DELETE("/session", h.deleteSession)
}

func (h *Handler) sessionID(c *gin.Context) (string, bool) {
	sessionID, ok := auth.SessionIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return "", false
	}
	return sessionID, true
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// multipart overhead allowed on top of the file itself
const multipartSlack = 1 << 20

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".webm": true, ".mpeg": true, ".mpg": true, ".3gp": true, ".flv": true, ".wmv": true,
}

func (h *Handler) uploadVideo(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartSlack)
	file, err := c.FormFile("video")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no video uploaded"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is empty"})
		return
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded video is empty"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()
	mimeType, err := sniffVideo(f, file.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.ingester.Ingest(c.Request.Context(), sessionID, ingest.Upload{
		Body:     f,
		MimeType: mimeType,
		Filename: filepath.Base(file.Filename),
	})
	if err != nil {
		log.Printf("[api] session %s upload failed: %v", sessionID, err)
		switch {
		case errors.Is(err, ingest.ErrEmptyUpload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded video is empty"})
		case errors.Is(err, session.ErrSessionRemoved):
			c.JSON(http.StatusConflict, gin.H{"error": "session was deleted"})
		case errors.Is(err, ingest.ErrIngestionTimeout):
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "video processing timed out"})
		case errors.Is(err, ingest.ErrIngestionFailed):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "video processing failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("upload failed: %v", err)})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "video uploaded",
		"file_id": handle.ID,
	})
}

// sniffVideo checks the leading bytes and rewinds f. Unknown binary content is
// accepted when the filename carries a video extension.
func sniffVideo(f multipart.File, filename string) (string, error) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", errors.New("read file failed")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.New("read file failed")
	}
	contentType := http.DetectContentType(buf[:n])
	if strings.HasPrefix(contentType, "video/") {
		return contentType, nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if contentType == "application/octet-stream" && videoExtensions[ext] {
		if byExt := mime.TypeByExtension(ext); strings.HasPrefix(byExt, "video/") {
			return byExt, nil
		}
		return "video/" + strings.TrimPrefix(ext, "."), nil
	}
	return "", fmt.Errorf("unsupported file type %s", contentType)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	reply, err := h.chat.HandleMessage(c.Request.Context(), sessionID, req.Message)
	if err != nil {
		var ie *inference.InferenceError
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message must not be empty"})
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		case errors.Is(err, session.ErrSessionRemoved):
			c.JSON(http.StatusConflict, gin.H{"error": "session was deleted"})
		case errors.Is(err, worker.ErrDispatcherStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		case errors.As(err, &ie):
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   reply.Content,
				"history": h.store.Snapshot(sessionID),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": reply.Content,
		"history": h.store.Snapshot(sessionID),
	})
}

func (h *Handler) chatHistory(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": h.store.Snapshot(sessionID)})
}

func (h *Handler) videoStatus(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	handle, err := h.ingester.Refresh(c.Request.Context(), sessionID)
	if err != nil {
		// the stored view is still worth reporting
		log.Printf("[api] session %s status refresh failed: %v", sessionID, err)
	}
	if handle == nil {
		c.JSON(http.StatusOK, gin.H{"state": "NONE"})
		return
	}
	active := h.store.ActiveHandle(sessionID)
	c.JSON(http.StatusOK, gin.H{
		"file_id": handle.ID,
		"state":   handle.State,
		"active":  active != nil && active.ID == handle.ID,
	})
}

func (h *Handler) sessionInfo(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	info, found := h.store.Info(sessionID)
	if !found {
		info = models.SessionInfo{ID: sessionID}
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	if h.jobs != nil {
		h.jobs.Cancel(sessionID)
	}
	handle := h.store.Remove(sessionID)
	if h.mirror != nil {
		h.mirror.Forget(sessionID)
	}
	h.ingester.Release(c.Request.Context(), handle)
	h.sessions.Clear(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
