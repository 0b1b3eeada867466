package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"aapkit/internal/config"
	"aapkit/internal/db"
)

func TestOpenBundledSchemas(t *testing.T) {
	workspace := t.TempDir()
	ac, err := Open(context.Background(), workspace, nil, Options{WithLog: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ac.Close()
	if !ac.Registry.Initialized() {
		t.Fatalf("registry not initialized")
	}
	if len(ac.Docs) != 9 {
		t.Fatalf("expected 9 documents, got %d", len(ac.Docs))
	}
	if ac.DB == nil || ac.Engine.DB == nil {
		t.Fatalf("issuance log not opened")
	}
	if _, err := os.Stat(db.Path(workspace)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	evts, err := ac.Engine.ListIssued(context.Background(), 10, 0)
	if err != nil || len(evts) != 0 {
		t.Fatalf("expected empty log: %v %v", evts, err)
	}
}

func TestOpenWithoutLog(t *testing.T) {
	ac, err := Open(context.Background(), t.TempDir(), config.Default(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ac.DB != nil {
		t.Fatalf("expected no database")
	}
	if err := ac.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenSchemaDir(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Schemas.Dir = dir

	// An empty directory leaves the registry unloaded.
	ac, err := Open(context.Background(), t.TempDir(), cfg, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ac.Registry.Initialized() {
		t.Fatalf("registry should stay uninitialized")
	}
	res := ac.Engine.Validate(map[string]any{})
	if res.Valid || res.Errors[0].Message != "Schemas not initialized. Call initializeSchemas first." {
		t.Fatalf("unexpected result %+v", res)
	}

	cfg.Schemas.Dir = filepath.Join(dir, "missing")
	if _, err := Open(context.Background(), t.TempDir(), cfg, Options{}); err == nil {
		t.Fatalf("expected error for missing schemas dir")
	}
}
