package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/store"
)

// bumpExpr keeps updated_ts strictly increasing across mutations even when
// two writes land within the same second.
const bumpExpr = "CASE WHEN ? > updated_ts THEN ? ELSE updated_ts + 1 END"

const conversationColumns = "uid, title, model_id, provider, tags, metadata, created_ts, updated_ts"

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	stmt := `
		INSERT INTO conversation (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + conversationColumns
	row := d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.Title,
		create.ModelID,
		create.Provider,
		marshalJSON(create.Tags, "[]"),
		marshalJSON(create.Metadata, "{}"),
		create.CreatedTs,
		create.UpdatedTs,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, storageErr(err, "create conversation")
	}
	return conv, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}

	query := `SELECT ` + conversationColumns + `
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`
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
		return nil, storageErr(err, "list conversations")
	}
	defer rows.Close()

	var convs []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr(err, "scan conversation")
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list conversations")
	}
	return convs, nil
}

func (d *DB) CountConversations(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversation").Scan(&count); err != nil {
		return 0, storageErr(err, "count conversations")
	}
	return count, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err, "begin update conversation")
	}
	defer tx.Rollback()

	set, args := []string{}, []any{}
	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.ModelID != nil {
		set, args = append(set, "model_id = ?"), append(args, *update.ModelID)
	}
	if update.Provider != nil {
		set, args = append(set, "provider = ?"), append(args, *update.Provider)
	}
	if update.Tags != nil {
		set, args = append(set, "tags = ?"), append(args, marshalJSON(*update.Tags, "[]"))
	}
	if update.Metadata != nil {
		var raw string
		err := tx.QueryRowContext(ctx, "SELECT metadata FROM conversation WHERE uid = ?", update.UID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", update.UID)
		}
		if err != nil {
			return nil, storageErr(err, "read conversation metadata")
		}
		merged := mergeMetadata(unmarshalMetadata(raw), update.Metadata)
		set, args = append(set, "metadata = ?"), append(args, marshalJSON(merged, "{}"))
	}

	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = ?"), append(args, *update.UpdatedTs)
	} else {
		now := nowUnix()
		set, args = append(set, "updated_ts = "+bumpExpr), append(args, now, now)
	}
	args = append(args, update.UID)

	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE uid = ? RETURNING ` + conversationColumns
	conv, err := scanConversation(tx.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", update.UID)
	}
	if err != nil {
		return nil, storageErr(err, "update conversation")
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err, "commit update conversation")
	}
	return conv, nil
}

// SaveConversation upserts the conversation row and applies the message
// diff in one transaction so a failed insert never leaves a half-applied
// save visible.
func (d *DB) SaveConversation(ctx context.Context, save *store.Conversation, inserts []*store.Message, deleteUIDs []string) (*store.Conversation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err, "begin save conversation")
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO conversation (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
			title = excluded.title,
			model_id = excluded.model_id,
			provider = excluded.provider,
			tags = excluded.tags,
			metadata = excluded.metadata,
			updated_ts = CASE WHEN excluded.updated_ts > conversation.updated_ts
				THEN excluded.updated_ts ELSE conversation.updated_ts + 1 END
		RETURNING ` + conversationColumns
	conv, err := scanConversation(tx.QueryRowContext(ctx, stmt,
		save.UID,
		save.Title,
		save.ModelID,
		save.Provider,
		marshalJSON(save.Tags, "[]"),
		marshalJSON(save.Metadata, "{}"),
		save.CreatedTs,
		save.UpdatedTs,
	))
	if err != nil {
		return nil, storageErr(err, "upsert conversation")
	}

	if len(deleteUIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(deleteUIDs)), ", ")
		args := make([]any, 0, len(deleteUIDs))
		for _, uid := range deleteUIDs {
			args = append(args, uid)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE uid IN ("+placeholders+")", args...); err != nil {
			return nil, storageErr(err, "delete removed messages")
		}
	}

	for _, msg := range inserts {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err, "commit save conversation")
	}

	conv.Messages = save.Messages
	return conv, nil
}

func (d *DB) DeleteConversation(ctx context.Context, uid string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(err, "begin delete conversation")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE conversation_uid = ?", uid); err != nil {
		return false, storageErr(err, "delete conversation messages")
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE uid = ?", uid)
	if err != nil {
		return false, storageErr(err, "delete conversation")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "delete conversation")
	}

	// Scrub the uid from folder membership lists so folders never carry
	// dangling references.
	if err := removeFromFolders(ctx, tx, uid); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr(err, "commit delete conversation")
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var conv store.Conversation
	var tags, metadata string
	if err := row.Scan(
		&conv.UID,
		&conv.Title,
		&conv.ModelID,
		&conv.Provider,
		&tags,
		&metadata,
		&conv.CreatedTs,
		&conv.UpdatedTs,
	); err != nil {
		return nil, err
	}
	conv.Tags = unmarshalStrings(tags)
	conv.Metadata = unmarshalMetadata(metadata)
	return &conv, nil
}
