package store

import (
	"context"
	"database/sql"
	"time"
)

// RegisterDevice binds a push player id to a user. A player id that was
// registered before moves to the new user.
func (db *DB) RegisterDevice(ctx context.Context, userID int64, playerID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, player_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			user_id = excluded.user_id,
			updated_at = excluded.updated_at`,
		userID, playerID, time.Now().UnixMilli())
	return err
}

// DevicePlayerIDs returns the push player ids registered for a user.
func (db *DB) DevicePlayerIDs(ctx context.Context, userID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT player_id FROM user_devices WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DevicesByRole groups the player ids of every non-deleted user in role by user id.
func (db *DB) DevicesByRole(ctx context.Context, role string) (map[int64][]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT d.user_id, d.player_id
		FROM user_devices d
		JOIN users u ON u.id = d.user_id
		WHERE u.role = ? AND u.deleted_at IS NULL
		ORDER BY d.user_id ASC, d.id ASC`, role)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64][]string)
	for rows.Next() {
		var (
			userID   int64
			playerID string
		)
		if err := rows.Scan(&userID, &playerID); err != nil {
			return nil, err
		}
		out[userID] = append(out[userID], playerID)
	}
	return out, rows.Err()
}

// DevicesForAll maps every non-deleted user id to its player ids. Users
// without a device are present with a nil slice.
func (db *DB) DevicesForAll(ctx context.Context) (map[int64][]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT u.id, d.player_id
		FROM users u
		LEFT JOIN user_devices d ON d.user_id = u.id
		WHERE u.deleted_at IS NULL
		ORDER BY u.id ASC, d.id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64][]string)
	for rows.Next() {
		var (
			userID   int64
			playerID sql.NullString
		)
		if err := rows.Scan(&userID, &playerID); err != nil {
			return nil, err
		}
		if !playerID.Valid {
			out[userID] = nil
			continue
		}
		out[userID] = append(out[userID], playerID.String)
	}
	return out, rows.Err()
}
