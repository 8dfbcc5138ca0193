package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"videochat/internal/models"
	"videochat/internal/redis"
)

const (
	EventsChannel   = "videochat:session-events"
	mirrorOpTimeout = 2 * time.Second
	mirrorBuffer    = 256
)

const (
	eventTurn   = "turn"
	eventHandle = "handle"
	opForget    = "forget"
)

// Event is published on EventsChannel for every mirrored change.
type Event struct {
	Origin    string              `json:"origin"`
	SessionID string              `json:"session_id"`
	Kind      string              `json:"kind"`
	Turn      *models.Turn        `json:"turn,omitempty"`
	Handle    *models.AssetHandle `json:"handle,omitempty"`
}

// Mirror copies session state into redis so another process (or this one
// after a restart) can rehydrate it. It is both an Observer and a Loader.
// Observer calls arrive under the session lock, so writes are queued and
// applied in order by a single goroutine.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	origin string

	ops   chan mirrorOp
	done  chan struct{}
	apply func(mirrorOp)

	mu     sync.RWMutex
	closed bool
}

type mirrorOp struct {
	kind      string
	sessionID string
	turn      *models.Turn
	handle    *models.AssetHandle
}

func NewMirror(client *redis.Client, ttl time.Duration) *Mirror {
	return newMirror(client, ttl, nil)
}

func newMirror(client *redis.Client, ttl time.Duration, apply func(mirrorOp)) *Mirror {
	m := &Mirror{
		client: client,
		ttl:    ttl,
		origin: uuid.NewString(),
		ops:    make(chan mirrorOp, mirrorBuffer),
		done:   make(chan struct{}),
		apply:  apply,
	}
	if m.apply == nil {
		m.apply = m.write
	}
	go m.run()
	return m
}

func historyKey(sessionID string) string {
	return fmt.Sprintf("videochat:session:%s:history", sessionID)
}

func handleKey(sessionID string) string {
	return fmt.Sprintf("videochat:session:%s:handle", sessionID)
}

func (m *Mirror) TurnAppended(sessionID string, turn models.Turn) {
	m.enqueue(mirrorOp{kind: eventTurn, sessionID: sessionID, turn: &turn}, false)
}

func (m *Mirror) HandleChanged(sessionID string, handle *models.AssetHandle) {
	m.enqueue(mirrorOp{kind: eventHandle, sessionID: sessionID, handle: handle.Clone()}, false)
}

// Forget drops the mirrored copy of a session after every write queued
// before it. It waits for queue space instead of dropping.
func (m *Mirror) Forget(sessionID string) {
	m.enqueue(mirrorOp{kind: opForget, sessionID: sessionID}, true)
}

// Close applies queued writes and stops the writer. Later writes are applied
// on the caller's goroutine.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.ops)
	m.mu.Unlock()
	<-m.done
}

func (m *Mirror) enqueue(op mirrorOp, wait bool) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.apply(op)
		return
	}
	if wait {
		m.ops <- op
		return
	}
	select {
	case m.ops <- op:
	default:
		log.Printf("[mirror] queue full, dropping %s for session %s", op.kind, op.sessionID)
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for op := range m.ops {
		m.apply(op)
	}
}

func (m *Mirror) write(op mirrorOp) {
	if m.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()
	switch op.kind {
	case eventTurn:
		data, err := json.Marshal(op.turn)
		if err != nil {
			log.Printf("[mirror] marshal turn failed: %v", err)
			return
		}
		if err := m.client.AppendList(ctx, historyKey(op.sessionID), data, m.ttl); err != nil {
			log.Printf("[mirror] append turn for session %s failed: %v", op.sessionID, err)
			return
		}
		m.publish(ctx, Event{SessionID: op.sessionID, Kind: eventTurn, Turn: op.turn})
	case eventHandle:
		if op.handle == nil {
			if err := m.client.Del(ctx, handleKey(op.sessionID)); err != nil {
				log.Printf("[mirror] clear handle for session %s failed: %v", op.sessionID, err)
			}
		} else {
			data, err := json.Marshal(op.handle)
			if err != nil {
				log.Printf("[mirror] marshal handle failed: %v", err)
				return
			}
			if err := m.client.Set(ctx, handleKey(op.sessionID), data, m.ttl); err != nil {
				log.Printf("[mirror] store handle for session %s failed: %v", op.sessionID, err)
				return
			}
		}
		m.publish(ctx, Event{SessionID: op.sessionID, Kind: eventHandle, Handle: op.handle})
	case opForget:
		if err := m.client.Del(ctx, historyKey(op.sessionID), handleKey(op.sessionID)); err != nil {
			log.Printf("[mirror] forget session %s failed: %v", op.sessionID, err)
		}
	}
}

// Load reads a mirrored session back. ok is false when nothing was mirrored.
func (m *Mirror) Load(sessionID string) ([]models.Turn, *models.AssetHandle, bool) {
	if m == nil || m.client == nil {
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	var handle *models.AssetHandle
	raw, err := m.client.Get(ctx, handleKey(sessionID))
	switch {
	case err == nil:
		var h models.AssetHandle
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			log.Printf("[mirror] decode handle for session %s failed: %v", sessionID, err)
		} else {
			handle = &h
		}
	case errors.Is(err, redis.ErrCacheMiss):
	default:
		log.Printf("[mirror] load handle for session %s failed: %v", sessionID, err)
		return nil, nil, false
	}

	items, err := m.client.List(ctx, historyKey(sessionID))
	if err != nil {
		log.Printf("[mirror] load history for session %s failed: %v", sessionID, err)
		return nil, nil, false
	}
	history := make([]models.Turn, 0, len(items))
	for _, item := range items {
		var turn models.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			log.Printf("[mirror] decode turn for session %s failed: %v", sessionID, err)
			continue
		}
		history = append(history, turn)
	}
	if handle == nil && len(history) == 0 {
		return nil, nil, false
	}
	return history, handle, true
}

// Subscribe delivers events published by other processes to handler until
// ctx is cancelled. It returns once the subscription is confirmed.
func (m *Mirror) Subscribe(ctx context.Context, handler func(Event)) error {
	if m == nil || m.client == nil || handler == nil {
		return nil
	}
	raw := m.client.Raw()
	if raw == nil {
		return nil
	}
	pubsub := raw.Subscribe(ctx, EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", EventsChannel, err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[mirror] event decode failed: %v", err)
					continue
				}
				if ev.Origin == m.origin {
					continue
				}
				handler(ev)
			}
		}
	}()
	return nil
}

func (m *Mirror) publish(ctx context.Context, ev Event) {
	ev.Origin = m.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[mirror] marshal event failed: %v", err)
		return
	}
	if err := m.client.Publish(ctx, EventsChannel, payload); err != nil {
		log.Printf("[mirror] publish event failed: %v", err)
	}
}
