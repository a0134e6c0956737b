package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/store"
)

const conversationColumns = "uid, title, model_id, provider, tags, metadata, created_ts, updated_ts"

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	stmt := `
		INSERT INTO conversation (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + conversationColumns
	conv, err := scanConversation(d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.Title,
		create.ModelID,
		create.Provider,
		marshalJSON(create.Tags, "[]"),
		marshalJSON(create.Metadata, "{}"),
		create.CreatedTs,
		create.UpdatedTs,
	))
	if err != nil {
		return nil, storageErr(err, "create conversation")
	}
	return conv, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"TRUE"}, []any{}
	if find.UID != nil {
		where, args = append(where, fmt.Sprintf("uid = $%d", len(args)+1)), append(args, *find.UID)
	}

	query := `SELECT ` + conversationColumns + `
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, *find.Limit)
		if find.Offset != nil {
			query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
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
		set, args = append(set, fmt.Sprintf("title = $%d", len(args)+1)), append(args, *update.Title)
	}
	if update.ModelID != nil {
		set, args = append(set, fmt.Sprintf("model_id = $%d", len(args)+1)), append(args, *update.ModelID)
	}
	if update.Provider != nil {
		set, args = append(set, fmt.Sprintf("provider = $%d", len(args)+1)), append(args, *update.Provider)
	}
	if update.Tags != nil {
		set, args = append(set, fmt.Sprintf("tags = $%d", len(args)+1)), append(args, marshalJSON(*update.Tags, "[]"))
	}
	if update.Metadata != nil {
		var raw string
		err := tx.QueryRowContext(ctx, "SELECT metadata FROM conversation WHERE uid = $1 FOR UPDATE", update.UID).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", update.UID)
		}
		if err != nil {
			return nil, storageErr(err, "read conversation metadata")
		}
		merged := mergeMetadata(unmarshalMetadata(raw), update.Metadata)
		set, args = append(set, fmt.Sprintf("metadata = $%d", len(args)+1)), append(args, marshalJSON(merged, "{}"))
	}

	if update.UpdatedTs != nil {
		set, args = append(set, fmt.Sprintf("updated_ts = $%d", len(args)+1)), append(args, *update.UpdatedTs)
	} else {
		ph := len(args) + 1
		set = append(set, fmt.Sprintf("updated_ts = CASE WHEN $%d > updated_ts THEN $%d ELSE updated_ts + 1 END", ph, ph))
		args = append(args, nowUnix())
	}
	args = append(args, update.UID)

	stmt := fmt.Sprintf(`UPDATE conversation SET %s WHERE uid = $%d RETURNING %s`,
		strings.Join(set, ", "), len(args), conversationColumns)
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

func (d *DB) SaveConversation(ctx context.Context, save *store.Conversation, inserts []*store.Message, deleteUIDs []string) (*store.Conversation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err, "begin save conversation")
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO conversation (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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
		placeholders := make([]string, len(deleteUIDs))
		args := make([]any, len(deleteUIDs))
		for i, uid := range deleteUIDs {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = uid
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM message WHERE uid IN ("+strings.Join(placeholders, ", ")+")", args...,
		); err != nil {
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

	if _, err := tx.ExecContext(ctx, "DELETE FROM message WHERE conversation_uid = $1", uid); err != nil {
		return false, storageErr(err, "delete conversation messages")
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM conversation WHERE uid = $1", uid)
	if err != nil {
		return false, storageErr(err, "delete conversation")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "delete conversation")
	}

	if err := removeFromFolders(ctx, tx, uid); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr(err, "commit delete conversation")
	}
	return affected > 0, nil
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
