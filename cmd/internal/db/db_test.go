package db

import (
	"strings"
	"testing"
)

func TestSchemaSQL_RewritesSchema(t *testing.T) {
	t.Parallel()

	sql, err := SchemaSQL("it_abc")
	if err != nil {
		t.Fatalf("SchemaSQL: %v", err)
	}
	if strings.Contains(sql, DefaultSchema+".") {
		t.Fatalf("expected every %q reference to be rewritten", DefaultSchema)
	}
	for _, table := range []string{"it_abc.users", "it_abc.sessions", "it_abc.messages", "it_abc.missed_notifications"} {
		if !strings.Contains(sql, table) {
			t.Fatalf("missing %s in rewritten schema", table)
		}
	}
	if !strings.Contains(sql, "CREATE SCHEMA IF NOT EXISTS it_abc;") {
		t.Fatalf("schema creation not rewritten")
	}
}

func TestMigrate_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if err := Migrate("", "up"); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if err := Migrate("postgres://localhost/x", "sideways"); err == nil {
		t.Fatalf("expected error for bad direction")
	}
}
