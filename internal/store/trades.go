package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

func (s *SQLiteStore) PutTrade(ctx context.Context, t *domain.Trade, opts core.WriteOptions) error {
	data, err := encodeTrade(t)
	if err != nil {
		return fmt.Errorf("failed to encode trade %s: %w", t.TradeID, err)
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
		if err := upsertTrade(ctx, tx, t, data); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, apperrors.ErrDuplicateOp) {
		return nil
	}
	return err
}

func upsertTrade(ctx context.Context, tx *sql.Tx, t *domain.Trade, data []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO trades (user_id, trade_id, symbol, status, created_at, attrs)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.UserID, t.TradeID, t.Symbol, string(t.Status), encodeTime(t.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to write trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTrade(ctx context.Context, userID, tradeID string) (*domain.Trade, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs FROM trades WHERE user_id = ? AND trade_id = ?`,
		userID, tradeID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("trade %s: %w", tradeID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read trade %s: %w", tradeID, classify(err))
	}
	return decodeTrade([]byte(data))
}

func (s *SQLiteStore) ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT attrs FROM trades WHERE symbol = ? ORDER BY created_at DESC LIMIT ?`,
		symbol, limit)
}

func (s *SQLiteStore) ListTradesByStatus(ctx context.Context, status domain.TradeStatus, limit int) ([]*domain.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT attrs FROM trades WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
}

func (s *SQLiteStore) ListUserTrades(ctx context.Context, userID string, limit int) ([]*domain.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT attrs FROM trades WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, args ...any) ([]*domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTrade([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CommitExecution persists a terminal trade together with its position
// update and audit entry. The happy path is one serializable transaction;
// when the configured row budget cannot hold all writes the position falls
// back to an asynchronous idempotent recompute so the trade and its audit
// trail are never split.
func (s *SQLiteStore) CommitExecution(ctx context.Context, t *domain.Trade, p *domain.Position, a *domain.AuditEntry, opts core.WriteOptions) error {
	tradeData, err := encodeTrade(t)
	if err != nil {
		return fmt.Errorf("failed to encode trade %s: %w", t.TradeID, err)
	}
	auditData, err := encodeAudit(a)
	if err != nil {
		return fmt.Errorf("failed to encode audit %s: %w", a.AuditID, err)
	}

	atomic := s.maxTxRows >= executionTxRows && p != nil
	var posData []byte
	if atomic {
		if posData, err = encodePosition(p); err != nil {
			return fmt.Errorf("failed to encode position: %w", err)
		}
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
		if err := upsertTrade(ctx, tx, t, tradeData); err != nil {
			return err
		}
		if atomic {
			if err := upsertPosition(ctx, tx, p, posData); err != nil {
				return err
			}
		}
		if err := insertAudit(ctx, tx, a, auditData); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, apperrors.ErrDuplicateOp) {
		return nil
	}
	if err != nil {
		return err
	}

	if atomic {
		s.cache.Delete(posKey(p.UserID, p.Symbol))
	} else {
		s.recomputeAsync(t.UserID, t.Symbol, opts.CorrelationID)
	}
	return nil
}

// recomputeAsync rebuilds the position off the request path. The recompute
// is a pure fold over terminal trades, so a retry after a crash converges to
// the same row.
func (s *SQLiteStore) recomputeAsync(userID, symbol, correlationID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := s.RecomputePosition(ctx, userID, symbol); err != nil {
			s.logger.Error("deferred position recompute failed",
				"user_id", userID, "symbol", symbol, "error", err)
			return
		}
		entry := newSystemAudit(domain.AuditPositionRecompute, "position", userID+"/"+symbol, correlationID)
		if err := s.AppendAudit(ctx, entry); err != nil {
			s.logger.Warn("failed to audit position recompute",
				"user_id", userID, "symbol", symbol, "error", err)
		}
	}()
}

func upsertPosition(ctx context.Context, tx *sql.Tx, p *domain.Position, data []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (user_id, symbol, attrs) VALUES (?, ?, ?)`,
		p.UserID, p.Symbol, string(data))
	if err != nil {
		return fmt.Errorf("failed to write position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, userID, symbol string) (*domain.Position, error) {
	if v, ok := s.cache.Get(posKey(userID, symbol)); ok {
		p := *v.(*domain.Position)
		return &p, nil
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs FROM positions WHERE user_id = ? AND symbol = ?`,
		userID, symbol).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read position %s/%s: %w", userID, symbol, classify(err))
	}

	p, err := decodePosition([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode position %s/%s: %w", userID, symbol, err)
	}
	s.cache.SetDefault(posKey(userID, symbol), p)
	cp := *p
	return &cp, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attrs FROM positions WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", classify(err))
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		p, err := decodePosition([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecomputePosition rebuilds the (user, symbol) position from scratch by
// replaying every settled fill in creation order. Partially filled trades
// are included: their fills have already moved the position, exactly as
// the settle path applies them.
func (s *SQLiteStore) RecomputePosition(ctx context.Context, userID, symbol string) (*domain.Position, error) {
	// Cancelled orders can still carry partial fills, so the replay set is
	// anything no longer in flight; Apply skips trades that filled nothing.
	rows, err := s.db.QueryContext(ctx,
		`SELECT attrs FROM trades
		 WHERE user_id = ? AND symbol = ? AND status IN (?, ?, ?)
		 ORDER BY created_at ASC`,
		userID, symbol,
		string(domain.TradeFilled), string(domain.TradePartiallyFilled), string(domain.TradeCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for recompute: %w", classify(err))
	}
	defer rows.Close()

	pos := &domain.Position{UserID: userID, Symbol: symbol}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTrade([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode trade during recompute: %w", err)
		}
		pos.Apply(t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now().UTC()
	}

	data, err := encodePosition(pos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recomputed position: %w", err)
	}
	err = s.withRetry(ctx, func() error {
		tx, err := s.beginTx(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := upsertPosition(ctx, tx, pos, data); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.cache.Delete(posKey(userID, symbol))
	return pos, nil
}
