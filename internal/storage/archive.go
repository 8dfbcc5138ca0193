package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"videochat/internal/models"
)

const (
	defaultArchiveBuffer = 256
	archiveWriteTimeout  = 5 * time.Second
)

type record struct {
	sessionID string
	turn      *models.Turn
	handle    *models.AssetHandle
	at        time.Time
}

// Archive records turns and asset transitions. It is notified under the
// session lock, so it only queues records and writes them from its own
// goroutine. Write failures are logged and dropped.
type Archive struct {
	db      *sql.DB
	records chan record
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewArchive(db *sql.DB, buffer int) *Archive {
	if buffer <= 0 {
		buffer = defaultArchiveBuffer
	}
	a := &Archive{
		db:      db,
		records: make(chan record, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Archive) TurnAppended(sessionID string, turn models.Turn) {
	a.enqueue(record{sessionID: sessionID, turn: &turn, at: turn.Timestamp})
}

func (a *Archive) HandleChanged(sessionID string, handle *models.AssetHandle) {
	if handle == nil {
		return
	}
	a.enqueue(record{sessionID: sessionID, handle: handle.Clone(), at: time.Now().UTC()})
}

// Close flushes queued records and stops the writer.
func (a *Archive) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.records)
	a.mu.Unlock()
	<-a.done
}

func (a *Archive) enqueue(r record) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.records <- r:
	default:
		log.Printf("[archive] queue full, dropping record for session %s", r.sessionID)
	}
}

func (a *Archive) run() {
	defer close(a.done)
	for r := range a.records {
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		if err := a.write(ctx, r); err != nil {
			log.Printf("[archive] write for session %s failed: %v", r.sessionID, err)
		}
		cancel()
	}
}

func (a *Archive) write(ctx context.Context, r record) error {
	if r.turn != nil {
		_, err := a.db.ExecContext(ctx,
			`INSERT INTO turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			r.sessionID, string(r.turn.Role), r.turn.Content, r.at)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO asset_events (session_id, asset_id, state, uri, mime_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.sessionID, r.handle.ID, string(r.handle.State), r.handle.URI, r.handle.MimeType, r.at)
	if err != nil {
		return fmt.Errorf("insert asset event: %w", err)
	}
	return nil
}
