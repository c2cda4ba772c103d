// Package files orchestrates uploads and downloads: it persists file
// metadata, couples it to the storage backends and exposes the HTTP API.
package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radif/fileservice/internal/storage"
)

// ErrRecordNotFound is returned when no metadata exists for an identifier.
var ErrRecordNotFound = errors.New("file metadata not found")

// ErrDuplicateKey is returned when metadata for an identifier already exists.
var ErrDuplicateKey = errors.New("file metadata already exists")

// Record is a persisted metadata row.
type Record struct {
	storage.FileInfo
	CreatedAt time.Time
}

// Repository handles the files_metadata table.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SaveFileMetadata inserts the metadata of a freshly uploaded file.
func (r *Repository) SaveFileMetadata(ctx context.Context, info *storage.FileInfo) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO files_metadata (id, size, file_format, original_filename, extension)
		 VALUES ($1, $2, $3, $4, $5)`,
		info.Name.String(), info.Size, nullable(info.FileFormat), info.OriginalFilename, info.Extension,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("save file metadata: %w", err)
	}
	return nil
}

// GetFileMetadata fetches the metadata of a file by its identifier.
func (r *Repository) GetFileMetadata(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec := &Record{}
	var (
		rawID      string
		fileFormat *string
		extension  *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id::text, size, file_format, original_filename, extension, created_at
		 FROM files_metadata WHERE id = $1`,
		id.String(),
	).Scan(&rawID, &rec.Size, &fileFormat, &rec.OriginalFilename, &extension, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file metadata: %w", err)
	}

	rec.Name, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("get file metadata: parse id: %w", err)
	}
	if fileFormat != nil {
		rec.FileFormat = *fileFormat
	}
	if extension != nil {
		rec.Extension = *extension
	}
	return rec, nil
}

// DeleteFiles removes the metadata of every given identifier and returns the
// number of rows removed. Identifiers without a row are ignored.
func (r *Repository) DeleteFiles(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM files_metadata WHERE id = ANY($1::uuid[])`, raw)
	if err != nil {
		return 0, fmt.Errorf("delete file metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation checks whether an error is a PostgreSQL unique_violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
