// Package notify persists campaign lifecycle notifications for the
// owner. Creation is fire-and-forget: a notification that cannot be
// written is logged and dropped, never surfaced to the pipeline.
package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/pkg/logger"
)

// Sink accepts notifications. Implemented by Store; the worker and
// service depend on this narrow interface.
type Sink interface {
	Notify(ctx context.Context, userID, title, message string, typ domain.NotificationType, link string)
}

// Store is the Postgres-backed notification store.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Notify writes one notification. Errors are logged and swallowed.
func (s *Store) Notify(ctx context.Context, userID, title, message string, typ domain.NotificationType, link string) {
	if userID == "" {
		return
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type, link, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		uuid.New().String(), userID, title, message, string(typ), link, time.Now())
	if err != nil {
		logger.Warn("[Notify] failed to create notification",
			"user_id", userID,
			"title", title,
			"error", err.Error())
	}
}

// ListForUser returns the user's notifications, newest first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, message, type, COALESCE(link, ''), read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags a single notification as read.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	return err
}
