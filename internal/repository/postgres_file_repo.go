package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/taxportal/internal/model"
	"github.com/lib/pq"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pqUniqueViolation = "23505"

// PostgresFileRepo はPostgreSQLを使用したファイルメタデータリポジトリ。
type PostgresFileRepo struct {
	db *sql.DB
}

// NewPostgresFileRepo はPostgresFileRepoを生成する。
func NewPostgresFileRepo(db *sql.DB) *PostgresFileRepo {
	return &PostgresFileRepo{db: db}
}

const fileColumns = `owner_id, path, parent_path, name, type, size, mime_type, storage_key, is_deleted, created_at, updated_at`

// フォルダを先頭に並べるためのソートキー
const fileSortKey = `(CASE WHEN type = 'FOLDER' THEN '0' ELSE '1' END || name)`

func scanFile(row interface{ Scan(...any) error }) (model.FileEntry, error) {
	var f model.FileEntry
	var size sql.NullInt64
	err := row.Scan(&f.OwnerID, &f.Path, &f.ParentPath, &f.Name, &f.Type, &size,
		&f.MimeType, &f.StorageKey, &f.IsDeleted, &f.CreatedAt, &f.UpdatedAt)
	if size.Valid {
		f.Size = &size.Int64
	}
	return f, err
}

// Find は指定パスのエントリを取得する。削除済みや見つからない場合はnilを返す。
func (r *PostgresFileRepo) Find(ctx context.Context, ownerID, path string) (*model.FileEntry, error) {
	f, err := scanFile(r.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 AND path = $2 AND is_deleted = FALSE`,
		ownerID, path,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find file: %w", err)
	}
	return &f, nil
}

// ListByParent は親フォルダ直下のエントリをフォルダ優先・名前順で返す。
func (r *PostgresFileRepo) ListByParent(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error) {
	limit = clampLimit(limit)
	cur, err := decodeCursor(token)
	if err != nil {
		return model.Page[model.FileEntry]{}, err
	}

	query := `SELECT ` + fileColumns + ` FROM files
		WHERE owner_id = $1 AND parent_path = $2 AND is_deleted = FALSE`
	args := []any{ownerID, parentPath}
	if cur != nil {
		query += ` AND (` + fileSortKey + `, path) > ($3, $4)`
		args = append(args, cur.Key, cur.ID)
	}
	query += ` ORDER BY ` + fileSortKey + `, path LIMIT ` + fmt.Sprint(limit+1)

	list, err := r.queryList(ctx, query, args...)
	if err != nil {
		return model.Page[model.FileEntry]{}, err
	}
	items, next := buildPage(list, limit, func(f model.FileEntry) string {
		return encodeCursor(sortKeyOf(f), f.Path)
	})
	return model.Page[model.FileEntry]{Items: items, NextToken: next}, nil
}

// SearchByName は親フォルダ直下で名前が前方一致するエントリを返す。大文字小文字は区別しない。
func (r *PostgresFileRepo) SearchByName(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error) {
	return r.queryList(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE owner_id = $1 AND parent_path = $2 AND is_deleted = FALSE
		   AND lower(name) LIKE $3 ESCAPE '\'
		 ORDER BY `+fileSortKey+`, path LIMIT $4`,
		ownerID, parentPath, escapeLike(strings.ToLower(prefix))+"%", clampLimit(limit),
	)
}

// Create はエントリを作成する。同一パスが存在する場合はErrAlreadyExistsを返す。
// 論理削除済みの同一パスは新しいエントリで置き換える。
func (r *PostgresFileRepo) Create(ctx context.Context, entry *model.FileEntry) error {
	var size any
	if entry.Size != nil {
		size = *entry.Size
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO files (owner_id, path, parent_path, name, type, size, mime_type, storage_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (owner_id, path) DO UPDATE SET
		   parent_path = EXCLUDED.parent_path, name = EXCLUDED.name, type = EXCLUDED.type,
		   size = EXCLUDED.size, mime_type = EXCLUDED.mime_type, storage_key = EXCLUDED.storage_key,
		   is_deleted = FALSE, deleted_at = NULL,
		   created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at
		 WHERE files.is_deleted = TRUE`,
		entry.OwnerID, entry.Path, entry.ParentPath, entry.Name, entry.Type, size,
		entry.MimeType, entry.StorageKey, entry.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// SoftDelete はエントリを論理削除し、更新件数を返す。
// フォルダ（末尾スラッシュ付きのパス）の場合は配下もまとめて削除する。
func (r *PostgresFileRepo) SoftDelete(ctx context.Context, ownerID, path string) (int64, error) {
	query := `UPDATE files SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
		 WHERE owner_id = $1 AND is_deleted = FALSE AND path = $2`
	args := []any{ownerID, path}
	if strings.HasSuffix(path, "/") {
		query = `UPDATE files SET is_deleted = TRUE, deleted_at = now(), updated_at = now()
		 WHERE owner_id = $1 AND is_deleted = FALSE
		   AND (path = $2 OR path LIKE $3 ESCAPE '\')`
		args = append(args, escapeLike(path)+"%")
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete file: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (r *PostgresFileRepo) queryList(ctx context.Context, query string, args ...any) ([]model.FileEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var list []model.FileEntry
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}
	return list, nil
}

// sortKeyOf はfileSortKeyと同じ並び順のキーを返す。
func sortKeyOf(f model.FileEntry) string {
	if f.Type == model.FileTypeFolder {
		return "0" + f.Name
	}
	return "1" + f.Name
}

// escapeLike はLIKEパターンのメタ文字をエスケープする。
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// compile-time interface check
var _ FileRepository = (*PostgresFileRepo)(nil)
