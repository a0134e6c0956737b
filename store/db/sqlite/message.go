package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/store"
)

const messageColumns = "uid, conversation_uid, role, content, status, metadata, created_ts, seq"

func nowUnix() int64 {
	return time.Now().Unix()
}

// CreateMessage inserts the message and bumps the owning conversation's
// updated_ts in the same transaction; a new message must never be visible
// on a conversation whose sort key did not advance.
func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err, "begin create message")
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, create); err != nil {
		return nil, err
	}

	now := nowUnix()
	res, err := tx.ExecContext(ctx,
		"UPDATE conversation SET updated_ts = "+bumpExpr+" WHERE uid = ?",
		now, now, create.ConversationUID,
	)
	if err != nil {
		return nil, storageErr(err, "touch conversation")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", create.ConversationUID)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err, "commit create message")
	}
	return create, nil
}

// insertMessage writes one message row inside tx and backfills the
// storage-assigned seq.
func insertMessage(ctx context.Context, tx *sql.Tx, msg *store.Message) error {
	stmt := `
		INSERT INTO message (uid, conversation_uid, role, content, status, metadata, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`
	err := tx.QueryRowContext(ctx, stmt,
		msg.UID,
		msg.ConversationUID,
		string(msg.Role),
		msg.Content,
		string(msg.Status),
		marshalJSON(msg.Metadata, "{}"),
		msg.CreatedTs,
	).Scan(&msg.Seq)
	if err != nil {
		return storageErr(err, "insert message")
	}
	return nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.ConversationUID != nil {
		where, args = append(where, "conversation_uid = ?"), append(args, *find.ConversationUID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, string(*find.Status))
	}

	order := "created_ts ASC, seq ASC"
	if find.OrderDesc {
		order = "created_ts DESC, seq DESC"
	}
	query := `SELECT ` + messageColumns + `
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ` + order
	if find.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *find.Limit)
		if find.Offset != nil {
			query += " OFFSET ?"
			args = append(args, *find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "list messages")
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr(err, "scan message")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list messages")
	}
	return msgs, nil
}

func (d *DB) CountMessages(ctx context.Context, conversationUID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message WHERE conversation_uid = ?", conversationUID,
	).Scan(&count)
	if err != nil {
		return 0, storageErr(err, "count messages")
	}
	return count, nil
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) (*store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err, "begin update message")
	}
	defer tx.Rollback()

	set, args := []string{}, []any{}
	if update.Content != nil {
		set, args = append(set, "content = ?"), append(args, *update.Content)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, string(*update.Status))
	}
	if update.Metadata != nil {
		var raw string
		err := tx.QueryRowContext(ctx, "SELECT metadata FROM message WHERE uid = ?", update.UID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(store.ErrNotFound, "message %s", update.UID)
		}
		if err != nil {
			return nil, storageErr(err, "read message metadata")
		}
		merged := mergeMetadata(unmarshalMetadata(raw), update.Metadata)
		set, args = append(set, "metadata = ?"), append(args, marshalJSON(merged, "{}"))
	}
	if len(set) == 0 {
		return nil, errors.New("empty message update")
	}
	args = append(args, update.UID)

	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE uid = ? RETURNING ` + messageColumns
	msg, err := scanMessage(tx.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "message %s", update.UID)
	}
	if err != nil {
		return nil, storageErr(err, "update message")
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err, "commit update message")
	}
	return msg, nil
}

func (d *DB) DeleteMessage(ctx context.Context, uid string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM message WHERE uid = ?", uid)
	if err != nil {
		return false, storageErr(err, "delete message")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "delete message")
	}
	return affected > 0, nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	var role, status, metadata string
	if err := row.Scan(
		&msg.UID,
		&msg.ConversationUID,
		&role,
		&msg.Content,
		&status,
		&metadata,
		&msg.CreatedTs,
		&msg.Seq,
	); err != nil {
		return nil, err
	}
	msg.Role = store.MessageRole(role)
	msg.Status = store.MessageStatus(status)
	msg.Metadata = unmarshalMetadata(metadata)
	return &msg, nil
}
