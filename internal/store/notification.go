package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const notificationColumns = `id, title, message, target_type, target_value, user_id, player_ids, status, error_message, created_at`

// QueueNotification writes a notification row. Rows with status queued are
// picked up by the outbox sender; callers may also record a row directly as
// failed (e.g. a user with no devices) so the log stays complete.
func (db *DB) QueueNotification(ctx context.Context, n *Notification) (int64, error) {
	if n.Status == "" {
		n.Status = NotificationQueued
	}
	players, err := json.Marshal(nonNil(n.PlayerIDs))
	if err != nil {
		return 0, err
	}
	var userID any
	if n.UserID != nil {
		userID = *n.UserID
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO notification_log (title, message, target_type, target_value, user_id, player_ids, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Title, n.Body, n.TargetType, n.TargetValue, userID, string(players), n.Status, n.ErrorMessage, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	n.CreatedAt = now
	n.ID, err = res.LastInsertId()
	return n.ID, err
}

// PendingNotifications returns queued rows, oldest first.
func (db *DB) PendingNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log WHERE status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// MarkNotificationSending claims a queued row. Reports false if another
// sender claimed it first.
func (db *DB) MarkNotificationSending(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE notification_log SET status = 'sending', updated_at = ?
		WHERE id = ? AND status = 'queued'`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkNotificationSent records a successful push.
func (db *DB) MarkNotificationSent(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE notification_log SET status = 'sent', error_message = '', updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	return err
}

// MarkNotificationFailed records a failed push. Failed rows are never retried.
func (db *DB) MarkNotificationFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE notification_log SET status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ?`, errMsg, time.Now().UnixMilli(), id)
	return err
}

// FailInterruptedNotifications marks every row still in sending as failed
// with reason. Such rows belong to a sender that stopped mid-push, so whether
// the provider received them is unknown.
func (db *DB) FailInterruptedNotifications(ctx context.Context, reason string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE notification_log SET status = 'failed', error_message = ?, updated_at = ?
		WHERE status = 'sending'`, reason, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListNotifications returns one page of the log visible under filter, newest
// first, together with the total number of matching rows.
func (db *DB) ListNotifications(ctx context.Context, f NotificationFilter) ([]Notification, int, error) {
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	where := `target_type = 'all'`
	var args []any
	if f.Role != "" {
		where += ` OR (target_type = 'role' AND target_value = ?)`
		args = append(args, f.Role)
	}
	if f.UserID != 0 {
		where += ` OR (target_type IN ('user', 'role') AND user_id = ?)`
		args = append(args, f.UserID)
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_log WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, append(args, f.Limit, (f.Page-1)*f.Limit)...)
	if err != nil {
		return nil, 0, err
	}
	logs, err := scanNotifications(rows)
	return logs, total, err
}

func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var (
			n       Notification
			userID  sql.NullInt64
			players string
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.TargetType, &n.TargetValue, &userID,
			&players, &n.Status, &n.ErrorMessage, &n.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			id := userID.Int64
			n.UserID = &id
		}
		if err := json.Unmarshal([]byte(players), &n.PlayerIDs); err != nil {
			return nil, fmt.Errorf("notification %d player_ids: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
