package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cateringcrm/omnichannel/internal/config"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatal("plain error is not a unique violation")
	}
}

func TestParseUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := NewID().String()
	parsed, err := ParseUUID(" " + id + " ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := UUIDString(parsed); got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewIDIsVersion7(t *testing.T) {
	t.Parallel()

	if v := NewID().Version(); v != 7 {
		t.Fatalf("expected v7, got %d", v)
	}
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	got := migrateURL(config.PostgresConfig{Host: "h", Port: 1, User: "u", Password: "p", Database: "d", SSLMode: "disable"}.DSN())
	if got != "pgx5://u:p@h:1/d?sslmode=disable" {
		t.Fatalf("unexpected url: %s", got)
	}
	if got := migrateURL("postgresql://u@h/d"); got != "pgx5://u@h/d" {
		t.Fatalf("unexpected url for postgresql scheme: %s", got)
	}
}
