package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/store"
)

const folderColumns = "uid, name, conversation_uids, sort_order, archived, created_ts, updated_ts"

func (d *DB) CreateFolder(ctx context.Context, create *store.Folder) (*store.Folder, error) {
	stmt := `
		INSERT INTO folder (` + folderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
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
	where, args := []string{"1 = 1"}, []any{}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.Archived != nil {
		where, args = append(where, "archived = ?"), append(args, *find.Archived)
	}

	query := `SELECT ` + folderColumns + `
		FROM folder
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY sort_order ASC, created_ts ASC`
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
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.ConversationUIDs != nil {
		set, args = append(set, "conversation_uids = ?"), append(args, marshalJSON(*update.ConversationUIDs, "[]"))
	}
	if update.SortOrder != nil {
		set, args = append(set, "sort_order = ?"), append(args, *update.SortOrder)
	}
	if update.Archived != nil {
		set, args = append(set, "archived = ?"), append(args, *update.Archived)
	}
	now := nowUnix()
	set, args = append(set, "updated_ts = "+bumpExpr), append(args, now, now)
	args = append(args, update.UID)

	stmt := `UPDATE folder SET ` + strings.Join(set, ", ") + ` WHERE uid = ? RETURNING ` + folderColumns
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
	res, err := d.db.ExecContext(ctx, "DELETE FROM folder WHERE uid = ?", uid)
	if err != nil {
		return false, storageErr(err, "delete folder")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "delete folder")
	}
	return affected > 0, nil
}

// removeFromFolders rewrites the membership list of every folder that
// references the given conversation uid. Membership is a JSON array; the
// LIKE prefilter narrows the scan, the real check happens after decoding.
func removeFromFolders(ctx context.Context, tx *sql.Tx, conversationUID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT uid, conversation_uids FROM folder WHERE conversation_uids LIKE '%' || ? || '%'`,
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
			"UPDATE folder SET conversation_uids = ? WHERE uid = ?",
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
