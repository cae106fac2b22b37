package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends gateway access decisions to Postgres. A nil DB makes every
// call a no-op so the proxy works without an audit database.
type Writer struct {
	DB auditDB
}

type Record struct {
	DecisionID string
	SID        string
	Username   string
	Fn         string
	Model      string
	Outcome    string
	Reason     string
	RequestRaw json.RawMessage
	CreatedAt  time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w == nil || w.DB == nil {
		return nil
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO access_decisions
		(decision_id, sid, username, fn, model, outcome, reason, request_raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.DecisionID, rec.SID, rec.Username, rec.Fn, rec.Model, rec.Outcome, rec.Reason, rec.RequestRaw, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	if w == nil || w.DB == nil {
		return rec, pgx.ErrNoRows
	}
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, sid, username, fn, model, outcome, reason, request_raw, created_at
		FROM access_decisions WHERE decision_id=$1
	`, decisionID)
	var raw json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.SID, &rec.Username, &rec.Fn, &rec.Model, &rec.Outcome, &rec.Reason, &raw, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.RequestRaw = raw
	return rec, nil
}
