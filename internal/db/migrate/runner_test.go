package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"cafe/dispatch-service/internal/db"
)

func TestRunRejectsEmptyDSN(t *testing.T) {
	if err := Run("", "up"); err == nil || !strings.Contains(err.Error(), "DB_DSN") {
		t.Fatalf("expected DB_DSN error, got %v", err)
	}
}

func TestRunRejectsUnknownDirection(t *testing.T) {
	for _, direction := range []string{"", "UP", "sideways"} {
		if err := Run("postgres://localhost/test", direction); err == nil {
			t.Fatalf("direction %q should be rejected", direction)
		}
	}
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(db.MigrationFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatalf("no migrations embedded")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}
