package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/003_third.sql":  {Data: []byte("SELECT 3;")},
		"m/001_first.sql":  {Data: []byte("SELECT 1;")},
		"m/002_second.sql": {Data: []byte("SELECT 2;")},
		"m/README.md":      {Data: []byte("docs")},
		"m/nonumber.sql":   {Data: []byte("SELECT 0;")},
		"m/abc_bad.sql":    {Data: []byte("SELECT 0;")},
	}

	migrator := NewMigrator(nil, fsys, "m")
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, mig := range migrations {
		if mig.Version != i+1 {
			t.Errorf("migration %d: expected version %d, got %d", i, i+1, mig.Version)
		}
	}
	if migrations[0].Name != "001_first.sql" {
		t.Errorf("expected name 001_first.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	migrator := NewMigrator(nil, fstest.MapFS{}, "nope")
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := NewEmbeddedMigrator(nil).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(migrations))
	}
	if !strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS records") {
		t.Error("first migration should create the records table")
	}
}
