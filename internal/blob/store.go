// Package blob keeps attachment bytes on disk next to their metadata rows.
package blob

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"wardrelay/internal/store"
)

const defaultContentType = "application/octet-stream"

// sniffLen is how many leading bytes are inspected to detect a content type.
const sniffLen = 3072

// MetaStore is the metadata side of blob storage.
type MetaStore interface {
	CreateBlob(ctx context.Context, meta store.BlobMetadata) error
	BlobByID(ctx context.Context, id string) (store.BlobMetadata, error)
}

// Store coordinates blob bytes on disk with metadata rows.
type Store struct {
	rootDir string
	meta    MetaStore
}

// PutInput describes one upload. ContentType may be empty.
type PutInput struct {
	Kind         string
	OriginalName string
	ContentType  string
	UploadedBy   string
	Reader       io.Reader
}

// OpenResult is an opened attachment. The caller closes File.
type OpenResult struct {
	Metadata store.BlobMetadata
	File     *os.File
}

// NewStore keeps attachment bytes under rootDir, creating it if needed.
func NewStore(rootDir string, meta MetaStore) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("attachment directory ready", "dir", rootDir)
	return &Store{rootDir: rootDir, meta: meta}, nil
}

// Put stores an attachment under a fresh uuid and records its metadata row.
// A missing or generic content type is replaced by one sniffed from the
// leading bytes.
func (s *Store) Put(ctx context.Context, input PutInput) (store.BlobMetadata, error) {
	if input.Reader == nil {
		return store.BlobMetadata{}, fmt.Errorf("blob reader is required")
	}
	name := strings.TrimSpace(input.OriginalName)
	if name == "" {
		return store.BlobMetadata{}, fmt.Errorf("blob original name is required")
	}

	src := bufio.NewReaderSize(input.Reader, sniffLen)
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" || contentType == defaultContentType {
		head, _ := src.Peek(sniffLen)
		contentType = mimetype.Detect(head).String()
	}

	meta := store.BlobMetadata{
		ID:           uuid.NewString(),
		Kind:         lo.CoalesceOrEmpty(strings.TrimSpace(input.Kind), "attachment"),
		OriginalName: name,
		ContentType:  contentType,
		UploadedBy:   input.UploadedBy,
		CreatedAt:    time.Now().UTC(),
	}
	meta.DiskName = meta.ID

	size, err := s.writeFile(meta.DiskName, src)
	if err != nil {
		return store.BlobMetadata{}, err
	}
	meta.SizeBytes = size

	if err := s.meta.CreateBlob(ctx, meta); err != nil {
		_ = os.Remove(s.path(meta.DiskName))
		return store.BlobMetadata{}, fmt.Errorf("record blob %s: %w", meta.ID, err)
	}

	slog.Info("attachment stored", "blob_id", meta.ID, "name", name, "size", size, "content_type", contentType, "user_id", meta.UploadedBy)
	return meta, nil
}

// writeFile copies r to diskName. Readers never see a partial file: bytes
// land in a hidden scratch file first and are renamed over.
func (s *Store) writeFile(diskName string, r io.Reader) (int64, error) {
	scratch, err := os.CreateTemp(s.rootDir, ".incoming-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch file: %w", err)
	}
	scratchPath := scratch.Name()

	n, err := io.Copy(scratch, r)
	if cerr := scratch.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(scratchPath, s.path(diskName))
	}
	if err != nil {
		_ = os.Remove(scratchPath)
		return 0, fmt.Errorf("write attachment bytes: %w", err)
	}
	return n, nil
}

func (s *Store) path(diskName string) string {
	return filepath.Join(s.rootDir, diskName)
}

// Open looks up an attachment and opens its bytes. Unknown ids return
// store.ErrBlobNotFound.
func (s *Store) Open(ctx context.Context, id string) (OpenResult, error) {
	meta, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}

	f, err := os.Open(s.path(meta.DiskName))
	if err != nil {
		slog.Error("attachment missing on disk", "blob_id", id, "disk_name", meta.DiskName, "err", err)
		return OpenResult{}, fmt.Errorf("open attachment %s: %w", id, err)
	}
	return OpenResult{Metadata: meta, File: f}, nil
}
