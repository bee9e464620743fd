package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"wardrelay/internal/store"
)

func newTestBlobStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bs, err := NewStore(filepath.Join(t.TempDir(), "blobs"), st)
	require.NoError(t, err)
	return bs
}

func TestPutAndOpen(t *testing.T) {
	t.Parallel()
	bs := newTestBlobStore(t)
	ctx := context.Background()

	meta, err := bs.Put(ctx, PutInput{
		OriginalName: "handover.txt",
		ContentType:  "text/plain",
		UploadedBy:   "U1",
		Reader:       strings.NewReader("bed 4 needs obs at 14:00"),
	})
	require.NoError(t, err)
	require.Equal(t, "attachment", meta.Kind)
	require.EqualValues(t, len("bed 4 needs obs at 14:00"), meta.SizeBytes)

	res, err := bs.Open(ctx, meta.ID)
	require.NoError(t, err)
	defer res.File.Close()

	body, err := io.ReadAll(res.File)
	require.NoError(t, err)
	require.Equal(t, "bed 4 needs obs at 14:00", string(body))
	require.Equal(t, "U1", res.Metadata.UploadedBy)
}

func TestPutSniffsContentType(t *testing.T) {
	t.Parallel()
	bs := newTestBlobStore(t)

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	meta, err := bs.Put(context.Background(), PutInput{
		OriginalName: "wound.png",
		Reader:       bytes.NewReader(png),
	})
	require.NoError(t, err)
	require.Equal(t, "image/png", meta.ContentType)
}

func TestPutRequiresName(t *testing.T) {
	t.Parallel()
	bs := newTestBlobStore(t)

	_, err := bs.Put(context.Background(), PutInput{Reader: strings.NewReader("x")})
	require.Error(t, err)
}

func TestOpenUnknown(t *testing.T) {
	t.Parallel()
	bs := newTestBlobStore(t)

	_, err := bs.Open(context.Background(), "missing")
	require.True(t, errors.Is(err, store.ErrBlobNotFound))
}

type failingMeta struct{ MetaStore }

func (failingMeta) CreateBlob(context.Context, store.BlobMetadata) error {
	return errors.New("disk full")
}

func TestPutLeavesNoFilesWhenMetadataFails(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "blobs")
	bs, err := NewStore(dir, failingMeta{})
	require.NoError(t, err)

	_, err = bs.Put(context.Background(), PutInput{
		OriginalName: "obs.csv",
		ContentType:  "text/csv",
		Reader:       strings.NewReader("time,hr\n14:00,88\n"),
	})
	require.ErrorContains(t, err, "disk full")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
