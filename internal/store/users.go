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

func (s *SQLiteStore) PutUser(ctx context.Context, u *domain.User, opts core.WriteOptions) error {
	data, err := encodeUser(u)
	if err != nil {
		return fmt.Errorf("failed to encode user %s: %w", u.UserID, err)
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
			`INSERT OR REPLACE INTO users (user_id, chat_id, attrs) VALUES (?, ?, ?)`,
			u.UserID, u.ChatID, string(data))
		if err != nil {
			return fmt.Errorf("failed to write user %s: %w", u.UserID, err)
		}
		return tx.Commit()
	})
	if errors.Is(err, apperrors.ErrDuplicateOp) {
		// Accepted no-op: the same op already applied.
		return nil
	}
	if err != nil {
		return err
	}

	s.cache.Delete(userKey(u.UserID))
	s.cache.Delete(chatKey(u.ChatID))
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	// Reads hand out copies; the cached instance is never shared with a
	// caller that may mutate it.
	if v, ok := s.cache.Get(userKey(userID)); ok {
		u := *v.(*domain.User)
		return &u, nil
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs FROM users WHERE user_id = ?`, userID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read user %s: %w", userID, classify(err))
	}

	u, err := decodeUser([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", userID, err)
	}
	s.cache.SetDefault(userKey(userID), u)
	cp := *u
	return &cp, nil
}

func (s *SQLiteStore) GetUserByChatID(ctx context.Context, chatID string) (*domain.User, error) {
	if v, ok := s.cache.Get(chatKey(chatID)); ok {
		u := *v.(*domain.User)
		return &u, nil
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs FROM users WHERE chat_id = ?`, chatID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("chat user %s: %w", chatID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read chat user %s: %w", chatID, classify(err))
	}

	u, err := decodeUser([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode chat user %s: %w", chatID, err)
	}
	s.cache.SetDefault(chatKey(chatID), u)
	s.cache.SetDefault(userKey(u.UserID), u)
	cp := *u
	return &cp, nil
}
