package postgres

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"gaetl/internal/storage"
	"gaetl/internal/storage/sqldb"
)

func TestBuildDSN_ParsesBack(t *testing.T) {
	t.Parallel()

	dsn := buildDSN(storage.Config{
		Host: "pg.internal", User: "etl", Password: "s3cr:t", Database: "analytics",
		ConnectTimeout: 1500 * time.Millisecond,
	})
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("ParseConfig(%q): %v", dsn, err)
	}
	if cfg.Host != "pg.internal" || cfg.Port != 5432 {
		t.Fatalf("host/port = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.User != "etl" || cfg.Password != "s3cr:t" || cfg.Database != "analytics" {
		t.Fatalf("unexpected credentials/db: %+v", cfg.Config)
	}
	if cfg.ConnectTimeout != 2*time.Second {
		t.Fatalf("connect timeout = %s", cfg.ConnectTimeout)
	}
}

func TestBuildCreateSQL_Types(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "public.visits",
		Columns: []storage.ColumnSpec{
			{Name: "date", Type: storage.TypeDateTime},
			{Name: "landingPage", Type: storage.TypeText},
			{Name: "Sessions", Type: storage.TypeInteger, Nullable: true},
			{Name: "rate", Type: storage.TypeFloat, Nullable: true},
			{Name: "ok", Type: storage.TypeBoolean, Nullable: true},
		},
		KeyColumns: []string{"date", "landingPage"},
	}
	sql, err := sqldb.BuildCreateSQL(Dialect{}, spec)
	if err != nil {
		t.Fatalf("BuildCreateSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE "public"."visits" (`,
		`"date" TIMESTAMP NOT NULL`,
		`"landingPage" TEXT NOT NULL`,
		`"Sessions" BIGINT NULL`,
		`"rate" DOUBLE PRECISION NULL`,
		`"ok" BOOLEAN NULL`,
		`PRIMARY KEY ("date", "landingPage")`,
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("DDL missing %q:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, "IF NOT EXISTS") {
		t.Fatalf("DDL must not use IF NOT EXISTS:\n%s", sql)
	}
}

func TestUpsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "t",
		Columns:    []storage.ColumnSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		KeyColumns: []string{"a"},
	}
	got := Dialect{}.UpsertSQL(spec, []string{"a", "b", "c"})
	want := `INSERT INTO "t" ("a", "b", "c") VALUES ($1, $2, $3) ON CONFLICT ("a") DO UPDATE SET "b" = EXCLUDED."b", "c" = EXCLUDED."c"`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}

	spec.KeyColumns = nil
	got = Dialect{}.UpsertSQL(spec, []string{"a", "b", "c"})
	if !strings.HasSuffix(got, `ON CONFLICT ("a", "b", "c") DO NOTHING`) {
		t.Fatalf("key-only upsert should do nothing on conflict: %s", got)
	}
}

func TestTypeForOID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		oid  uint32
		want storage.Type
	}{
		{pgtype.Int8OID, storage.TypeInteger},
		{pgtype.Int4OID, storage.TypeInteger},
		{pgtype.Float8OID, storage.TypeFloat},
		{pgtype.NumericOID, storage.TypeFloat},
		{pgtype.BoolOID, storage.TypeBoolean},
		{pgtype.TimestampOID, storage.TypeDateTime},
		{pgtype.TimestamptzOID, storage.TypeDateTime},
		{pgtype.TextOID, storage.TypeText},
		{pgtype.VarcharOID, storage.TypeText},
	}
	for _, c := range cases {
		if got := typeForOID(c.oid); got != c.want {
			t.Fatalf("typeForOID(%d) = %s, want %s", c.oid, got, c.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	undefined := fmt.Errorf("probe: %w", &pgconn.PgError{Code: "42P01"})
	dup := &pgconn.PgError{Code: "42P07"}
	race := &pgconn.PgError{Code: "23505"}

	if !d.IsNotFound(undefined) || d.IsAlreadyExists(undefined) {
		t.Fatalf("42P01 misclassified")
	}
	if !d.IsAlreadyExists(dup) || !d.IsAlreadyExists(race) {
		t.Fatalf("42P07/23505 should count as already exists")
	}
}
