package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrConflict is returned when a unique column already holds the value.
var ErrConflict = errors.New("already exists")

const userColumns = `id, name, phone, role, deleted_at IS NOT NULL, created_at`

// CreateUser inserts a user and returns it with its assigned id.
func (db *DB) CreateUser(ctx context.Context, name, phone, role string) (*User, error) {
	if role == "" {
		role = "user"
	}
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO users (name, phone, role, created_at)
		VALUES (?, ?, ?, ?)`, name, phone, role, now)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return nil, fmt.Errorf("phone %s: %w", phone, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Name: name, Phone: phone, Role: role, CreatedAt: now}, nil
}

// GetUser returns a user by id, including soft-deleted ones. Returns nil, nil if absent.
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Phone, &u.Role, &u.Deleted, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns non-deleted users, optionally restricted to one role.
func (db *DB) ListUsers(ctx context.Context, role string) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE deleted_at IS NULL`
	var args []any
	if role != "" {
		q += ` AND role = ?`
		args = append(args, role)
	}
	q += ` ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Phone, &u.Role, &u.Deleted, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserIDsInRoles returns ids of non-deleted users holding any of roles, ascending.
func (db *DB) UserIDsInRoles(ctx context.Context, roles []string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE deleted_at IS NULL AND role IN (`+placeholders(len(roles))+`)
		ORDER BY id ASC`, stringArgs(roles)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteUser flags a user deleted. Reports false if the user was absent
// or already deleted.
func (db *DB) SoftDeleteUser(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE users SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
