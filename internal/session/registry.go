package session

import (
	"errors"
	"sync"
	"time"

	"videochat/internal/models"
)

// Observer is notified of every committed change while the session lock is
// held, so notifications for one session arrive in commit order.
type Observer interface {
	TurnAppended(sessionID string, turn models.Turn)
	HandleChanged(sessionID string, handle *models.AssetHandle)
}

// Loader rehydrates a session this process has not seen yet.
type Loader interface {
	Load(sessionID string) (history []models.Turn, handle *models.AssetHandle, ok bool)
}

var (
	// ErrSessionRemoved rejects writes made through a Ref whose session was torn down.
	ErrSessionRemoved = errors.New("session was removed")
	// ErrSuperseded rejects an ingestion result once a later-started ingestion stored its own.
	ErrSuperseded = errors.New("superseded by a later upload")
)

type state struct {
	mu        sync.Mutex
	createdAt time.Time
	handle    *models.AssetHandle
	// generation counts ingestions started; handleGen is the generation that
	// produced the stored handle.
	generation uint64
	handleGen  uint64
	log        []models.Turn
	removed    bool
}

// Ref pins the session state an operation started on. Writes made through a
// Ref fail with ErrSessionRemoved once that session is removed, even when a
// session with the same id has been created since.
type Ref struct {
	sessionID string
	st        *state
	gen       uint64
}

func (r Ref) SessionID() string { return r.sessionID }

// Registry owns the per-session asset handle and conversation log.
// Sessions are independent; every mutation takes only that session's lock.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*state
	observers []Observer
	loader    Loader
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*state)}
}

// AddObserver registers o. Not safe to call once the registry is in use.
func (r *Registry) AddObserver(o Observer) {
	if o != nil {
		r.observers = append(r.observers, o)
	}
}

// SetLoader installs the rehydration source. Not safe to call once the registry is in use.
func (r *Registry) SetLoader(l Loader) {
	r.loader = l
}

// Ensure creates the session on first contact.
func (r *Registry) Ensure(sessionID string) {
	r.lookup(sessionID, true)
}

// Exists reports whether the session is known to this process.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Remove tears a session down and returns the handle it held, if any.
// In-flight work pinned to the session can no longer write to it.
func (r *Registry) Remove(sessionID string) *models.AssetHandle {
	st := r.detach(sessionID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.removed = true
	return st.handle.Clone()
}

// Evict drops the local copy of a session so the next access reloads it.
// Unlike Remove, in-flight work keeps writing and its observers still see it.
func (r *Registry) Evict(sessionID string) {
	r.detach(sessionID)
}

func (r *Registry) detach(sessionID string) *state {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	return st
}

// SetHandle replaces the stored handle unconditionally and returns the previous one.
func (r *Registry) SetHandle(sessionID string, handle *models.AssetHandle) *models.AssetHandle {
	st := r.lookup(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.handle
	st.handle = handle.Clone()
	st.handleGen = st.generation
	r.notifyHandle(sessionID, st.handle)
	return prev
}

// ActiveHandle returns the stored handle only when it is READY.
func (r *Registry) ActiveHandle(sessionID string) *models.AssetHandle {
	st := r.lookup(sessionID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.handle.Ready() {
		return nil
	}
	return st.handle.Clone()
}

// RawHandle returns whatever handle is stored, regardless of state.
func (r *Registry) RawHandle(sessionID string) *models.AssetHandle {
	st := r.lookup(sessionID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.handle.Clone()
}

// BeginIngest marks the start of an ingestion and returns a Ref carrying its
// generation.
func (r *Registry) BeginIngest(sessionID string) Ref {
	st := r.lookup(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.generation++
	return Ref{sessionID: sessionID, st: st, gen: st.generation}
}

// StoreIngested stores a handle produced by the ingestion behind ref and
// returns the handle it replaced. It fails with ErrSuperseded when a
// later-started ingestion already stored its own, and with ErrSessionRemoved
// when the session was torn down meanwhile.
func (r *Registry) StoreIngested(ref Ref, handle *models.AssetHandle) (*models.AssetHandle, error) {
	st := ref.st
	if st == nil {
		return nil, ErrSessionRemoved
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.removed {
		return nil, ErrSessionRemoved
	}
	if ref.gen < st.handleGen {
		return nil, ErrSuperseded
	}
	prev := st.handle
	st.handle = handle.Clone()
	st.handleGen = ref.gen
	r.notifyHandle(ref.sessionID, st.handle)
	return prev, nil
}

// Append adds a turn to the end of the session log.
func (r *Registry) Append(sessionID string, turn models.Turn) {
	st := r.lookup(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	r.appendLocked(sessionID, st, turn)
}

// AppendReply adds a turn to the session ref was taken from. The turn is
// dropped with ErrSessionRemoved when that session is gone.
func (r *Registry) AppendReply(ref Ref, turn models.Turn) error {
	st := ref.st
	if st == nil {
		return ErrSessionRemoved
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.removed {
		return ErrSessionRemoved
	}
	r.appendLocked(ref.sessionID, st, turn)
	return nil
}

// RecordUserTurn appends turn and resolves the active handle in the same
// lock scope, so the grounding decision matches the log position. history is
// the log as it was before turn; ref is for the reply.
func (r *Registry) RecordUserTurn(sessionID string, turn models.Turn) (history []models.Turn, active *models.AssetHandle, ref Ref) {
	st := r.lookup(sessionID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	history = make([]models.Turn, len(st.log))
	copy(history, st.log)
	r.appendLocked(sessionID, st, turn)
	if st.handle.Ready() {
		active = st.handle.Clone()
	}
	return history, active, Ref{sessionID: sessionID, st: st}
}

// Snapshot returns a copy of the log; later appends are not visible through it.
func (r *Registry) Snapshot(sessionID string) []models.Turn {
	st := r.lookup(sessionID, false)
	if st == nil {
		return []models.Turn{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	copied := make([]models.Turn, len(st.log))
	copy(copied, st.log)
	return copied
}

// Info summarises a session.
func (r *Registry) Info(sessionID string) (models.SessionInfo, bool) {
	st := r.lookup(sessionID, false)
	if st == nil {
		return models.SessionInfo{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return models.SessionInfo{
		ID:        sessionID,
		CreatedAt: st.createdAt,
		Turns:     len(st.log),
		Asset:     st.handle.Clone(),
	}, true
}

func (r *Registry) appendLocked(sessionID string, st *state, turn models.Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	st.log = append(st.log, turn)
	for _, o := range r.observers {
		o.TurnAppended(sessionID, turn)
	}
}

func (r *Registry) notifyHandle(sessionID string, handle *models.AssetHandle) {
	for _, o := range r.observers {
		o.HandleChanged(sessionID, handle.Clone())
	}
}

func (r *Registry) lookup(sessionID string, create bool) *state {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return st
	}

	var (
		history []models.Turn
		handle  *models.AssetHandle
		loaded  bool
	)
	if r.loader != nil {
		history, handle, loaded = r.loader.Load(sessionID)
	}
	if !loaded && !create {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionID]; ok {
		return st
	}
	st = &state{createdAt: time.Now().UTC(), log: history, handle: handle}
	r.sessions[sessionID] = st
	return st
}
