package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

func (s *SQLiteStore) PutAlert(ctx context.Context, a *domain.RiskAlertConfig, opts core.WriteOptions) error {
	data, err := encodeAlert(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", a.AlertID, err)
	}

	err = s.withRetry(ctx, func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		claimed, err := claimOp(ctx, tx, opts.OpID)
		if err != nil {
			return err
		}
		if !claimed {
			return apperrors.ErrDuplicateOp
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO alerts (alert_id, owner_user_id, status, trigger_count, created_at, attrs)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.AlertID, a.OwnerUserID, string(a.Status), a.TriggerCount,
			encodeTime(a.CreatedAt), string(data))
		if err != nil {
			return fmt.Errorf("failed to write alert %s: %w", a.AlertID, err)
		}
		return tx.Commit()
	})
	if errors.Is(err, apperrors.ErrDuplicateOp) {
		return nil
	}
	if err != nil {
		return err
	}

	s.cache.Delete(alertKey(a.AlertID))
	return nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, alertID string) (*domain.RiskAlertConfig, error) {
	if v, ok := s.cache.Get(alertKey(alertID)); ok {
		a := *v.(*domain.RiskAlertConfig)
		return &a, nil
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs FROM alerts WHERE alert_id = ?`, alertID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert %s: %w", alertID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read alert %s: %w", alertID, classify(err))
	}

	a, err := decodeAlert([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode alert %s: %w", alertID, err)
	}
	s.cache.SetDefault(alertKey(alertID), a)
	cp := *a
	return &cp, nil
}

func (s *SQLiteStore) ListAlertsByOwner(ctx context.Context, ownerUserID string) ([]*domain.RiskAlertConfig, error) {
	return s.queryAlerts(ctx,
		`SELECT attrs FROM alerts WHERE owner_user_id = ? AND status != ? ORDER BY created_at DESC`,
		ownerUserID, string(domain.AlertDeleted))
}

// ListActiveAlerts is deliberately uncached: the real-time evaluation path
// must see pauses and deletes promptly.
func (s *SQLiteStore) ListActiveAlerts(ctx context.Context) ([]*domain.RiskAlertConfig, error) {
	return s.queryAlerts(ctx,
		`SELECT attrs FROM alerts WHERE status = ? ORDER BY created_at DESC`,
		string(domain.AlertActive))
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*domain.RiskAlertConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.RiskAlertConfig
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		a, err := decodeAlert([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// IncrementTriggerCount bumps trigger_count from prev to prev+1, both in the
// query column and the attribute document. The conditional WHERE keeps the
// counter strictly monotonic under concurrent triggers; losing the race is a
// conflict, never retried.
func (s *SQLiteStore) IncrementTriggerCount(ctx context.Context, alertID string, prev int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts
		 SET trigger_count = trigger_count + 1,
		     attrs = json_set(attrs, '$.trigger_count', trigger_count + 1)
		 WHERE alert_id = ? AND trigger_count = ?`,
		alertID, prev)
	if err != nil {
		return fmt.Errorf("failed to increment trigger count for %s: %w", alertID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("alert %s trigger_count != %d: %w", alertID, prev, apperrors.ErrConflict)
	}
	s.cache.Delete(alertKey(alertID))
	return nil
}

// AppendTriggerEvent records one alert firing for one trade. The pair is
// unique; replays surface as ErrDuplicateOp so callers can skip the
// notification without treating it as a failure.
func (s *SQLiteStore) AppendTriggerEvent(ctx context.Context, e *domain.AlertTriggerEvent) error {
	data, err := encodeTriggerEvent(e)
	if err != nil {
		return fmt.Errorf("failed to encode trigger event %s: %w", e.EventID, err)
	}

	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO alert_events (event_id, alert_id, trade_id, triggered_at, attrs)
			 VALUES (?, ?, ?, ?, ?)`,
			e.EventID, e.AlertID, e.TradeID, encodeTime(e.TriggeredAt), string(data))
		if err != nil {
			return fmt.Errorf("failed to write trigger event %s: %w", e.EventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("alert %s already fired for trade %s: %w",
				e.AlertID, e.TradeID, apperrors.ErrDuplicateOp)
		}
		return nil
	})
}

func (s *SQLiteStore) ListTriggerEvents(ctx context.Context, alertID string, limit int) ([]*domain.AlertTriggerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attrs FROM alert_events WHERE alert_id = ? ORDER BY triggered_at DESC LIMIT ?`,
		alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger events: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.AlertTriggerEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := decodeTriggerEvent([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode trigger event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
