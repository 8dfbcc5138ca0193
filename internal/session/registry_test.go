package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"videochat/internal/models"
)

type recordingObserver struct {
	mu      sync.Mutex
	turns   []models.Turn
	handles []*models.AssetHandle
}

func (o *recordingObserver) TurnAppended(_ string, turn models.Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turns = append(o.turns, turn)
}

func (o *recordingObserver) HandleChanged(_ string, handle *models.AssetHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles = append(o.handles, handle)
}

type staticLoader struct {
	history []models.Turn
	handle  *models.AssetHandle
}

func (l staticLoader) Load(string) ([]models.Turn, *models.AssetHandle, bool) {
	return l.history, l.handle, true
}

func handle(id string, state models.AssetState) *models.AssetHandle {
	return &models.AssetHandle{ID: id, State: state, URI: "files/" + id, MimeType: "video/mp4"}
}

func TestActiveHandleRequiresReady(t *testing.T) {
	reg := NewRegistry()
	if got := reg.ActiveHandle("s1"); got != nil {
		t.Fatalf("unknown session should have no active handle, got %+v", got)
	}

	reg.SetHandle("s1", handle("a", models.AssetProcessing))
	if got := reg.ActiveHandle("s1"); got != nil {
		t.Fatalf("processing handle must not be active, got %+v", got)
	}
	if got := reg.RawHandle("s1"); got == nil || got.State != models.AssetProcessing {
		t.Fatalf("raw handle should expose processing asset, got %+v", got)
	}

	reg.SetHandle("s1", handle("b", models.AssetReady))
	first := reg.ActiveHandle("s1")
	second := reg.ActiveHandle("s1")
	if first == nil || second == nil || first.ID != "b" || second.ID != "b" {
		t.Fatalf("active handle mismatch: %+v %+v", first, second)
	}
}

func TestSetHandleReplacesAndReturnsPrevious(t *testing.T) {
	reg := NewRegistry()
	if prev := reg.SetHandle("s1", handle("a", models.AssetReady)); prev != nil {
		t.Fatalf("first set should have no previous handle, got %+v", prev)
	}
	prev := reg.SetHandle("s1", handle("b", models.AssetReady))
	if prev == nil || prev.ID != "a" {
		t.Fatalf("expected previous handle a, got %+v", prev)
	}
	if got := reg.ActiveHandle("s1"); got.ID != "b" {
		t.Fatalf("expected latest handle b, got %s", got.ID)
	}
}

func TestHandleCopiesAreIsolated(t *testing.T) {
	reg := NewRegistry()
	h := handle("a", models.AssetReady)
	reg.SetHandle("s1", h)
	h.State = models.AssetFailed

	got := reg.ActiveHandle("s1")
	if got == nil {
		t.Fatalf("stored handle changed through caller's pointer")
	}
	got.ID = "mutated"
	if reg.ActiveHandle("s1").ID != "a" {
		t.Fatalf("returned handle aliases registry state")
	}
}

func TestStoreIngestedRejectsSupersededGeneration(t *testing.T) {
	reg := NewRegistry()
	older := reg.BeginIngest("s1")
	newer := reg.BeginIngest("s1")

	if _, err := reg.StoreIngested(newer, handle("new", models.AssetReady)); err != nil {
		t.Fatalf("newer ingestion should store: %v", err)
	}
	if _, err := reg.StoreIngested(older, handle("old", models.AssetReady)); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("older ingestion finishing late must not overwrite newer handle, got %v", err)
	}
	if got := reg.ActiveHandle("s1"); got.ID != "new" {
		t.Fatalf("expected handle new, got %s", got.ID)
	}

	// Started after both: wins even though nothing else finished.
	latest := reg.BeginIngest("s1")
	prev, err := reg.StoreIngested(latest, handle("latest", models.AssetReady))
	if err != nil || prev == nil || prev.ID != "new" {
		t.Fatalf("latest ingestion should replace new, prev=%+v err=%v", prev, err)
	}
}

func TestStoreIngestedAllowsOlderWhenNewerNotStored(t *testing.T) {
	reg := NewRegistry()
	older := reg.BeginIngest("s1")
	_ = reg.BeginIngest("s1")

	// The newer ingestion failed and stored nothing.
	if _, err := reg.StoreIngested(older, handle("old", models.AssetReady)); err != nil {
		t.Fatalf("older ingestion should store while nothing newer has: %v", err)
	}
}

func TestStoreIngestedAfterRemoveDoesNotRecreateSession(t *testing.T) {
	reg := NewRegistry()
	ref := reg.BeginIngest("s1")
	reg.Remove("s1")

	if _, err := reg.StoreIngested(ref, handle("late", models.AssetReady)); !errors.Is(err, ErrSessionRemoved) {
		t.Fatalf("expected ErrSessionRemoved, got %v", err)
	}
	if reg.Exists("s1") {
		t.Fatalf("removed session came back")
	}

	// A fresh session under the same id is not the one the ingestion started on.
	reg.Ensure("s1")
	if _, err := reg.StoreIngested(ref, handle("late", models.AssetReady)); !errors.Is(err, ErrSessionRemoved) {
		t.Fatalf("expected ErrSessionRemoved for the recreated session, got %v", err)
	}
	if got := reg.RawHandle("s1"); got != nil {
		t.Fatalf("recreated session picked up %+v", got)
	}
}

func TestAppendReplyAfterRemoveIsDropped(t *testing.T) {
	reg := NewRegistry()
	obs := &recordingObserver{}
	reg.AddObserver(obs)
	_, _, ref := reg.RecordUserTurn("s1", models.NewTurn(models.RoleUser, "hi"))
	reg.Remove("s1")

	if err := reg.AppendReply(ref, models.NewTurn(models.RoleAssistant, "hello")); !errors.Is(err, ErrSessionRemoved) {
		t.Fatalf("expected ErrSessionRemoved, got %v", err)
	}
	if reg.Exists("s1") {
		t.Fatalf("removed session came back")
	}
	if len(obs.turns) != 1 {
		t.Fatalf("dropped reply reached observers: %#v", obs.turns)
	}
}

func TestEvictKeepsInFlightWrites(t *testing.T) {
	reg := NewRegistry()
	obs := &recordingObserver{}
	reg.AddObserver(obs)
	ref := reg.BeginIngest("s1")
	reg.Evict("s1")

	if _, err := reg.StoreIngested(ref, handle("a", models.AssetReady)); err != nil {
		t.Fatalf("evicted session should still accept its ingestion: %v", err)
	}
	if len(obs.handles) != 1 || obs.handles[0].ID != "a" {
		t.Fatalf("observers should see the write, got %#v", obs.handles)
	}
	if reg.Exists("s1") {
		t.Fatalf("evict should not be undone by a pinned write")
	}
}

func TestSnapshotIsStable(t *testing.T) {
	reg := NewRegistry()
	if snap := reg.Snapshot("nobody"); snap == nil || len(snap) != 0 {
		t.Fatalf("unknown session should give an empty non-nil log, got %#v", snap)
	}

	reg.Append("s1", models.NewTurn(models.RoleUser, "hi"))
	reg.Append("s1", models.NewTurn(models.RoleAssistant, "hello"))

	snap := reg.Snapshot("s1")
	again := reg.Snapshot("s1")
	if len(snap) != 2 || len(again) != 2 {
		t.Fatalf("unexpected snapshot sizes %d %d", len(snap), len(again))
	}
	if snap[0].Content != "hi" || snap[1].Role != models.RoleAssistant {
		t.Fatalf("snapshot order wrong: %#v", snap)
	}

	reg.Append("s1", models.NewTurn(models.RoleUser, "more"))
	snap[0].Content = "edited"
	if len(snap) != 2 {
		t.Fatalf("snapshot grew after append")
	}
	if reg.Snapshot("s1")[0].Content != "hi" {
		t.Fatalf("editing snapshot leaked into the log")
	}
}

func TestRecordUserTurnResolvesGrounding(t *testing.T) {
	reg := NewRegistry()
	history, h, _ := reg.RecordUserTurn("s1", models.NewTurn(models.RoleUser, "q1"))
	if h != nil || len(history) != 0 {
		t.Fatalf("no asset or history yet, got %+v %#v", h, history)
	}
	reg.SetHandle("s1", handle("a", models.AssetReady))
	history, h, _ = reg.RecordUserTurn("s1", models.NewTurn(models.RoleUser, "q2"))
	if h == nil || h.ID != "a" {
		t.Fatalf("expected grounding handle a, got %+v", h)
	}
	if len(history) != 1 || history[0].Content != "q1" {
		t.Fatalf("history should hold only earlier turns, got %#v", history)
	}
	if n := len(reg.Snapshot("s1")); n != 2 {
		t.Fatalf("expected 2 turns, got %d", n)
	}
}

func TestObserversSeeCommitOrder(t *testing.T) {
	reg := NewRegistry()
	obs := &recordingObserver{}
	reg.AddObserver(obs)

	reg.Append("s1", models.NewTurn(models.RoleUser, "one"))
	reg.SetHandle("s1", handle("a", models.AssetReady))
	reg.Append("s1", models.NewTurn(models.RoleAssistant, "two"))

	if len(obs.turns) != 2 || obs.turns[0].Content != "one" || obs.turns[1].Content != "two" {
		t.Fatalf("unexpected observed turns %#v", obs.turns)
	}
	if len(obs.handles) != 1 || obs.handles[0].ID != "a" {
		t.Fatalf("unexpected observed handles %#v", obs.handles)
	}
}

func TestLoaderRehydratesUnknownSession(t *testing.T) {
	reg := NewRegistry()
	reg.SetLoader(staticLoader{
		history: []models.Turn{models.NewTurn(models.RoleUser, "restored")},
		handle:  handle("r", models.AssetReady),
	})
	if got := reg.ActiveHandle("s9"); got == nil || got.ID != "r" {
		t.Fatalf("expected rehydrated handle, got %+v", got)
	}
	if snap := reg.Snapshot("s9"); len(snap) != 1 || snap[0].Content != "restored" {
		t.Fatalf("expected rehydrated history, got %#v", snap)
	}
}

func TestRemoveReturnsHandle(t *testing.T) {
	reg := NewRegistry()
	reg.SetHandle("s1", handle("a", models.AssetReady))
	reg.Append("s1", models.NewTurn(models.RoleUser, "hi"))
	info, ok := reg.Info("s1")
	if !ok || info.Turns != 1 || info.Asset == nil {
		t.Fatalf("unexpected info %+v", info)
	}

	removed := reg.Remove("s1")
	if removed == nil || removed.ID != "a" {
		t.Fatalf("expected removed handle a, got %+v", removed)
	}
	if reg.Exists("s1") {
		t.Fatalf("session should be gone")
	}
	if len(reg.Snapshot("s1")) != 0 {
		t.Fatalf("log should be gone")
	}
}

func TestSessionsAreIsolatedUnderConcurrency(t *testing.T) {
	reg := NewRegistry()
	reg.SetHandle("with-video", handle("v", models.AssetReady))

	const perSession = 50
	var wg sync.WaitGroup
	for _, id := range []string{"with-video", "without-video"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				_, grounding, _ := reg.RecordUserTurn(id, models.NewTurn(models.RoleUser, fmt.Sprintf("%s-%d", id, i)))
				if id == "without-video" && grounding != nil {
					t.Errorf("session without video resolved handle %+v", grounding)
				}
				if id == "with-video" && (grounding == nil || grounding.ID != "v") {
					t.Errorf("session with video lost its handle: %+v", grounding)
				}
				reg.Append(id, models.NewTurn(models.RoleAssistant, "ok"))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"with-video", "without-video"} {
		snap := reg.Snapshot(id)
		if len(snap) != 2*perSession {
			t.Fatalf("session %s: expected %d turns, got %d", id, 2*perSession, len(snap))
		}
		for i := 0; i < len(snap); i += 2 {
			want := fmt.Sprintf("%s-%d", id, i/2)
			if snap[i].Role != models.RoleUser || snap[i].Content != want {
				t.Fatalf("session %s: turn %d = %+v, want user %q", id, i, snap[i], want)
			}
		}
	}
}
