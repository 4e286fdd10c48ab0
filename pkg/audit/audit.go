// Package audit records every settled verdict so a user can reconstruct why
// a request was allowed or denied after the fact.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contain/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends and lists decision records. With Redact set, domains are
// stored as salted hashes so the browsing history cannot be read back out
// of the audit table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one settled verdict.
type Record struct {
	ID                string         `json:"id"`
	TabID             string         `json:"tab_id"`
	RequestDomain     string         `json:"request_domain"`
	TabDomain         string         `json:"tab_domain"`
	ContainerID       string         `json:"container_id"`
	Outcome           models.Outcome `json:"outcome"`
	ReasonCode        string         `json:"reason_code"`
	TargetContainerID string         `json:"target_container_id,omitempty"`
	DecidedAt         time.Time      `json:"decided_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_decisions
		(id, tab_id, request_domain, tab_domain, container_id, outcome, reason_code, target_container_id, decided_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.TabID, rec.RequestDomain, rec.TabDomain, rec.ContainerID, string(rec.Outcome), rec.ReasonCode, rec.TargetContainerID, rec.DecidedAt)
	return err
}

// ListByTab returns the most recent records for one tab, newest first.
func (w *Writer) ListByTab(ctx context.Context, tabID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, tab_id, request_domain, tab_domain, container_id, outcome, reason_code, target_container_id, decided_at
		FROM audit_decisions WHERE tab_id=$1
		ORDER BY decided_at DESC LIMIT $2
	`, tabID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// ListByContainer returns the most recent records for one container,
// newest first.
func (w *Writer) ListByContainer(ctx context.Context, containerID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, tab_id, request_domain, tab_domain, container_id, outcome, reason_code, target_container_id, decided_at
		FROM audit_decisions WHERE container_id=$1
		ORDER BY decided_at DESC LIMIT $2
	`, containerID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.TabID, &rec.RequestDomain, &rec.TabDomain, &rec.ContainerID, &outcome, &rec.ReasonCode, &rec.TargetContainerID, &rec.DecidedAt); err != nil {
			return nil, err
		}
		rec.Outcome = models.Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
