package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const hydratedMessageQuery = `
	SELECT m.id, m.sender_id, m.receiver_id, m.message, m.created_at,
	       s.name, s.role, s.deleted_at IS NOT NULL,
	       r.name, r.role, r.deleted_at IS NOT NULL
	FROM chat_messages m
	JOIN users s ON s.id = m.sender_id
	LEFT JOIN users r ON r.id = m.receiver_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		receiverID sql.NullInt64
		rName      sql.NullString
		rRole      sql.NullString
		rDeleted   bool
	)
	if err := row.Scan(&m.ID, &m.SenderID, &receiverID, &m.Body, &m.CreatedAt,
		&m.Sender.Name, &m.Sender.Role, &m.Sender.Deleted,
		&rName, &rRole, &rDeleted); err != nil {
		return nil, err
	}
	m.Sender.ID = m.SenderID
	if receiverID.Valid {
		id := receiverID.Int64
		m.ReceiverID = &id
		m.Receiver = &Participant{ID: id, Name: rName.String, Role: rRole.String, Deleted: rDeleted}
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CreateMessage appends a chat message and returns it hydrated with sender and
// receiver display attributes. created_at never goes below the newest stored
// row, so ordering by (created_at, id) follows insertion order even when the
// wall clock steps backwards.
func (db *DB) CreateMessage(ctx context.Context, senderID int64, receiverID *int64, body string) (*Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var receiver any
	if receiverID != nil {
		receiver = *receiverID
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (sender_id, receiver_id, message, created_at)
		SELECT ?, ?, ?, MAX(?, COALESCE((SELECT MAX(created_at) FROM chat_messages), 0))`,
		senderID, receiver, body, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	m, err := scanMessage(tx.QueryRowContext(ctx, hydratedMessageQuery+` WHERE m.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("hydrate message %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// GetMessage returns one hydrated message. Returns nil, nil if absent.
func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, hydratedMessageQuery+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// MessagesForUser returns every message the user sent or received, oldest
// first. With includeRoleInbox the messages directed at the privileged role
// (null receiver) are included too.
func (db *DB) MessagesForUser(ctx context.Context, userID int64, includeRoleInbox bool) ([]Message, error) {
	rows, err := db.QueryContext(ctx, hydratedMessageQuery+`
		WHERE m.sender_id = ? OR m.receiver_id = ? OR (? AND m.receiver_id IS NULL)
		ORDER BY m.created_at ASC, m.id ASC`, userID, userID, includeRoleInbox)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// RoleConversationMessages returns, newest first, every message exchanged
// between a user outside privilegedRoles and the privileged side: either a
// message with a null receiver from a non-privileged sender, or a message
// where exactly one of sender and receiver holds a privileged role.
func (db *DB) RoleConversationMessages(ctx context.Context, privilegedRoles []string) ([]Message, error) {
	in := placeholders(len(privilegedRoles))
	roles := stringArgs(privilegedRoles)

	args := make([]any, 0, 3*len(roles))
	args = append(args, roles...)
	args = append(args, roles...)
	args = append(args, roles...)

	rows, err := db.QueryContext(ctx, hydratedMessageQuery+`
		WHERE (m.receiver_id IS NULL AND s.role NOT IN (`+in+`))
		   OR (m.receiver_id IS NOT NULL AND (s.role IN (`+in+`)) <> (r.role IN (`+in+`)))
		ORDER BY m.created_at DESC, m.id DESC`, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}
