package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/store"
)

const folderColumns = "uid, name, conversation_uids, sort_order, archived, created_ts, updated_ts"

func (d *DB) CreateFolder(ctx context.Context, create *store.Folder) (*store.Folder, error) {
	stmt := `
		INSERT INTO folder (` + folderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + folderColumns
	folder, err := scanFolder(d.db.QueryRowContext(ctx, stmt,
		create.UID,
		create.Name,
		marshalJSON(create.ConversationUIDs, "[]"),
		create.SortOrder,
		create.Archived,
		create.CreatedTs,
		create.UpdatedTs,
	))
	if err != nil {
		return nil, storageErr(err, "create folder")
	}
	return folder, nil
}

func (d *DB) ListFolders(ctx context.Context, find *store.FindFolder) ([]*store.Folder, error) {
	where, args := []string{"TRUE"}, []any{}
	if find.UID != nil {
		where, args = append(where, fmt.Sprintf("uid = $%d", len(args)+1)), append(args, *find.UID)
	}
	if find.Archived != nil {
		where, args = append(where, fmt.Sprintf("archived = $%d", len(args)+1)), append(args, *find.Archived)
	}

	query := `SELECT ` + folderColumns + `
		FROM folder
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY sort_order ASC, created_ts ASC`
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
		return nil, storageErr(err, "list folders")
	}
	defer rows.Close()

	var folders []*store.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, storageErr(err, "scan folder")
		}
		folders = append(folders, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list folders")
	}
	return folders, nil
}

func (d *DB) UpdateFolder(ctx context.Context, update *store.UpdateFolder) (*store.Folder, error) {
	set, args := []string{}, []any{}
	if update.Name != nil {
		set, args = append(set, fmt.Sprintf("name = $%d", len(args)+1)), append(args, *update.Name)
	}
	if update.ConversationUIDs != nil {
		set, args = append(set, fmt.Sprintf("conversation_uids = $%d", len(args)+1)), append(args, marshalJSON(*update.ConversationUIDs, "[]"))
	}
	if update.SortOrder != nil {
		set, args = append(set, fmt.Sprintf("sort_order = $%d", len(args)+1)), append(args, *update.SortOrder)
	}
	if update.Archived != nil {
		set, args = append(set, fmt.Sprintf("archived = $%d", len(args)+1)), append(args, *update.Archived)
	}
	ph := len(args) + 1
	set = append(set, fmt.Sprintf("updated_ts = CASE WHEN $%d > updated_ts THEN $%d ELSE updated_ts + 1 END", ph, ph))
	args = append(args, nowUnix())
	args = append(args, update.UID)

	stmt := fmt.Sprintf(`UPDATE folder SET %s WHERE uid = $%d RETURNING %s`,
		strings.Join(set, ", "), len(args), folderColumns)
	folder, err := scanFolder(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "folder %s", update.UID)
	}
	if err != nil {
		return nil, storageErr(err, "update folder")
	}
	return folder, nil
}

func (d *DB) DeleteFolder(ctx context.Context, uid string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM folder WHERE uid = $1", uid)
	if err != nil {
		return false, storageErr(err, "delete folder")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "delete folder")
	}
	return affected > 0, nil
}

func removeFromFolders(ctx context.Context, tx *sql.Tx, conversationUID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT uid, conversation_uids FROM folder WHERE conversation_uids LIKE '%' || $1 || '%' FOR UPDATE`,
		conversationUID,
	)
	if err != nil {
		return storageErr(err, "find referencing folders")
	}

	type patch struct {
		uid     string
		members []string
	}
	var patches []patch
	for rows.Next() {
		var folderUID, raw string
		if err := rows.Scan(&folderUID, &raw); err != nil {
			rows.Close()
			return storageErr(err, "scan referencing folder")
		}
		members := unmarshalStrings(raw)
		kept := make([]string, 0, len(members))
		for _, m := range members {
			if m != conversationUID {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(members) {
			patches = append(patches, patch{uid: folderUID, members: kept})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return storageErr(err, "find referencing folders")
	}
	rows.Close()

	for _, p := range patches {
		if _, err := tx.ExecContext(ctx,
			"UPDATE folder SET conversation_uids = $1 WHERE uid = $2",
			marshalJSON(p.members, "[]"), p.uid,
		); err != nil {
			return storageErr(err, "scrub folder membership")
		}
	}
	return nil
}

func scanFolder(row rowScanner) (*store.Folder, error) {
	var folder store.Folder
	var members string
	if err := row.Scan(
		&folder.UID,
		&folder.Name,
		&members,
		&folder.SortOrder,
		&folder.Archived,
		&folder.CreatedTs,
		&folder.UpdatedTs,
	); err != nil {
		return nil, err
	}
	folder.ConversationUIDs = unmarshalStrings(members)
	return &folder, nil
}
