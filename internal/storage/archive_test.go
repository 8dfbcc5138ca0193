package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"videochat/internal/config"
	"videochat/internal/models"
	"videochat/internal/session"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{
		"sqlite3": {DSN: filepath.Join(t.TempDir(), "archive.db")},
	}}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestOpenRejectsUnknownDatabase(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{}}
	if _, err := Open("sqlite3", cfg); err == nil {
		t.Fatalf("expected error for missing database config")
	}
	cfg.Databases["postgres"] = config.DatabaseConfig{DSN: "x"}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestArchiveRecordsRegistryChanges(t *testing.T) {
	db := openTestDB(t)
	archive := NewArchive(db, 16)

	reg := session.NewRegistry()
	reg.AddObserver(archive)
	reg.Append("s1", models.NewTurn(models.RoleUser, "hello"))
	reg.Append("s1", models.NewTurn(models.RoleAssistant, "hi there"))
	reg.SetHandle("s1", &models.AssetHandle{ID: "files/abc", State: models.AssetReady, URI: "https://x/files/abc", MimeType: "video/mp4"})
	reg.Append("s2", models.NewTurn(models.RoleUser, "other"))
	archive.Close()

	rows, err := db.Query(`SELECT role, content FROM turns WHERE session_id = ? ORDER BY id`, "s1")
	if err != nil {
		t.Fatalf("query turns: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, role+":"+content)
	}
	if len(got) != 2 || got[0] != "user:hello" || got[1] != "assistant:hi there" {
		t.Fatalf("unexpected archived turns: %v", got)
	}

	var assetID, state string
	if err := db.QueryRow(`SELECT asset_id, state FROM asset_events WHERE session_id = ?`, "s1").Scan(&assetID, &state); err != nil {
		t.Fatalf("query asset event: %v", err)
	}
	if assetID != "files/abc" || state != string(models.AssetReady) {
		t.Fatalf("unexpected asset event %s %s", assetID, state)
	}
}

func TestArchiveDropsAfterClose(t *testing.T) {
	db := openTestDB(t)
	archive := NewArchive(db, 1)
	archive.Close()
	archive.Close()
	// must not panic
	archive.TurnAppended("s1", models.NewTurn(models.RoleUser, "late"))

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no archived turns, got %d", n)
	}
}
