package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// BlobMetadata describes an uploaded attachment stored on disk.
type BlobMetadata struct {
	ID           string
	Kind         string
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	UploadedBy   string
	CreatedAt    time.Time
}

// CreateBlob creates one blob metadata row.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	switch {
	case strings.TrimSpace(meta.ID) == "":
		return fmt.Errorf("blob id is required")
	case strings.TrimSpace(meta.Kind) == "":
		return fmt.Errorf("blob kind is required")
	case strings.TrimSpace(meta.OriginalName) == "":
		return fmt.Errorf("blob original name is required")
	case strings.TrimSpace(meta.ContentType) == "":
		return fmt.Errorf("blob content type is required")
	case strings.TrimSpace(meta.DiskName) == "":
		return fmt.Errorf("blob disk name is required")
	case meta.SizeBytes < 0:
		return fmt.Errorf("blob size must be non-negative")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO blobs (
		id, kind, original_name, content_type, disk_name, size_bytes, uploaded_by, created_at_unix_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		meta.ID, meta.Kind, meta.OriginalName, meta.ContentType, meta.DiskName,
		meta.SizeBytes, meta.UploadedBy, meta.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	slog.Debug("blob metadata created", "blob_id", meta.ID, "size", meta.SizeBytes)
	return nil
}

// BlobByID returns blob metadata by ID.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	var (
		meta      BlobMetadata
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, kind, original_name, content_type, disk_name, size_bytes, uploaded_by, created_at_unix_ms
		FROM blobs WHERE id = ?`), strings.TrimSpace(id),
	).Scan(&meta.ID, &meta.Kind, &meta.OriginalName, &meta.ContentType, &meta.DiskName, &meta.SizeBytes, &meta.UploadedBy, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobMetadata{}, ErrBlobNotFound
	}
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(createdMS).UTC()
	return meta, nil
}
