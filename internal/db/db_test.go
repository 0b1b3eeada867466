package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPathDefaultsToCurrentDir(t *testing.T) {
	if got, want := Path(""), filepath.Join(".", ".aap", "aap.db"); got != want {
		t.Fatalf("Path(\"\") = %q, want %q", got, want)
	}
}

func TestDSN(t *testing.T) {
	dsn := DSN(Config{Workspace: "/tmp/ws"})
	if !strings.HasPrefix(dsn, "file:"+filepath.Join("/tmp/ws", ".aap", "aap.db")+"?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	for _, want := range []string{"busy_timeout%285000%29", "journal_mode%28WAL%29"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %s", dsn, want)
		}
	}
	if dsn := DSN(Config{Workspace: "w", BusyTimeout: 250 * time.Millisecond}); !strings.Contains(dsn, "busy_timeout%28250%29") {
		t.Fatalf("custom timeout not applied: %q", dsn)
	}
}

func TestOpenUsesWAL(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(context.Background(), Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	var mode string
	if err := conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	if _, err := os.Stat(Path(ws)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
}

func TestOpenFailsOnUnusableWorkspace(t *testing.T) {
	ws := t.TempDir()
	// A file where the state directory should be.
	if err := os.WriteFile(filepath.Join(ws, ".aap"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), Config{Workspace: ws}); err == nil {
		t.Fatalf("expected error")
	}
}
