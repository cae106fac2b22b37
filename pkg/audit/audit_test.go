package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(dest ...any) error { return pgx.ErrNoRows }

func TestAppendWritesRow(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	rec := Record{
		DecisionID: "d1",
		SID:        "s1",
		Username:   "alice",
		Fn:         "create",
		Model:      "item",
		Outcome:    "forbidden",
		Reason:     "create item",
		RequestRaw: json.RawMessage(`{"_fn":"create"}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 9 {
		t.Fatalf("expected 9 args, got %d", len(db.execArgs))
	}
	if db.execArgs[0] != "d1" || db.execArgs[5] != "forbidden" {
		t.Fatalf("unexpected args: %v", db.execArgs)
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	if err := w.Append(context.Background(), Record{}); err != nil {
		t.Fatalf("nil writer append: %v", err)
	}
	if _, err := w.Get(context.Background(), "x"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("nil writer get: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	w := &Writer{DB: &fakeDB{}}
	if _, err := w.Get(context.Background(), "missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}
