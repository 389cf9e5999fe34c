package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
)

// newSystemAudit builds an audit entry for a mutation performed by the
// system itself rather than a user.
func newSystemAudit(action domain.AuditAction, subjectKind, subjectID, correlationID string) *domain.AuditEntry {
	return &domain.AuditEntry{
		AuditID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Action:        action,
		Severity:      domain.SeverityInfo,
		SubjectKind:   subjectKind,
		SubjectID:     subjectID,
		CorrelationID: correlationID,
	}
}

// AppendAudit writes one append-only audit entry. Entries are never updated
// or deleted.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	data, err := encodeAudit(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit %s: %w", e.AuditID, err)
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit (audit_id, ts, actor_user_id, attrs) VALUES (?, ?, ?, ?)`,
			e.AuditID, encodeTime(e.Timestamp), e.ActorUserID, string(data))
		if err != nil {
			return fmt.Errorf("failed to write audit %s: %w", e.AuditID, err)
		}
		return nil
	})
}

func insertAudit(ctx context.Context, tx *sql.Tx, e *domain.AuditEntry, data []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit (audit_id, ts, actor_user_id, attrs) VALUES (?, ?, ?, ?)`,
		e.AuditID, encodeTime(e.Timestamp), e.ActorUserID, string(data))
	if err != nil {
		return fmt.Errorf("failed to write audit %s: %w", e.AuditID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditByActor(ctx context.Context, actorUserID string, limit int) ([]*domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attrs FROM audit WHERE actor_user_id = ? ORDER BY ts DESC LIMIT ?`,
		actorUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := decodeAudit([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
