package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/clock/manual"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/storage/memory"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *memory.BlobStore, *MemoryIndex) {
	t.Helper()
	blobs := memory.NewBlobStore()
	index := NewMemoryIndex()
	s, err := New(blobs, index, sha256.New(), manual.New(epoch), Config{}, zap.NewNop())
	require.NoError(t, err)
	return s, blobs, index
}

func TestBucketIsStableTwoHexDigits(t *testing.T) {
	t.Parallel()

	b := Bucket("user.name")
	assert.Len(t, b, 2)
	assert.Equal(t, b, Bucket("user.name"))
	assert.Equal(t, strings.ToLower(b), b)

	seen := map[string]bool{}
	for i := 0; i < 2000; i++ {
		seen[Bucket(string(rune('a'+i%26))+strings.Repeat("x", i))] = true
	}
	assert.Greater(t, len(seen), 200, "ids should spread across buckets")
}

func TestObjectPathEscapesIDs(t *testing.T) {
	t.Parallel()

	p := ObjectPath("captures/", "a/b")
	assert.True(t, strings.HasPrefix(p, "captures/"+Bucket("a/b")+"/"))
	assert.True(t, strings.HasSuffix(p, "a%2Fb.json.gz"))
}

func TestCodecRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("not gzip"))
	require.Error(t, err)
}

func TestWriteLoadMarkProcessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, blobs, _ := newStore(t)

	payload := crawler.Payload{"timeline": []byte("<html>t</html>"), "about": []byte("<html>a</html>")}
	h, err := s.Write(ctx, "alice", payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", h.TargetID)
	assert.NotEmpty(t, h.ContentHash)
	assert.Equal(t, epoch, h.CapturedAt)
	assert.Equal(t, []string{ObjectPath("captures", "alice")}, blobs.Paths("captures/"))

	pending, err := s.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.CaptureHandle{h}, pending)

	rec, err := s.Load(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.TargetID)
	assert.Equal(t, payload, rec.Payload)
	assert.True(t, epoch.Equal(rec.CapturedAt))

	require.NoError(t, s.MarkProcessed(ctx, h))
	require.NoError(t, s.MarkProcessed(ctx, h))
	pending, err = s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLoadDetectsTampering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, blobs, _ := newStore(t)

	h, err := s.Write(ctx, "bob", crawler.Payload{"timeline": []byte("x")})
	require.NoError(t, err)

	other, err := Encode(crawler.CaptureRecord{TargetID: "bob", Payload: crawler.Payload{"timeline": []byte("y")}})
	require.NoError(t, err)
	_, err = blobs.PutObject(ctx, ObjectPath("captures", "bob"), "", bytes.NewReader(other))
	require.NoError(t, err)

	_, err = s.Load(ctx, h)
	require.ErrorIs(t, err, crawler.ErrIntegrity)
}

func TestWriteDiagnosticIsNotIndexed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, blobs, _ := newStore(t)

	uri, err := s.WriteDiagnostic(ctx, "carol", crawler.Payload{"timeline": []byte("partial")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "memory://failures/"))
	assert.Len(t, blobs.Paths("failures/"), 1)

	pending, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func (failingBlobs) GetObject(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("missing")
}

func TestWriteFailureIsStorageError(t *testing.T) {
	t.Parallel()
	index := NewMemoryIndex()
	s, err := New(failingBlobs{}, index, sha256.New(), manual.New(epoch), Config{}, nil)
	require.NoError(t, err)

	_, err = s.Write(context.Background(), "dave", crawler.Payload{"timeline": []byte("x")})
	require.ErrorIs(t, err, crawler.ErrStorage)

	pending, err := index.ListUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "no index row without a blob")

	_, err = s.Load(context.Background(), crawler.CaptureHandle{TargetID: "dave", BlobURI: "memory://x"})
	require.ErrorIs(t, err, crawler.ErrCaptureNotFound)

	_, err = s.Write(context.Background(), " ", nil)
	require.ErrorIs(t, err, crawler.ErrStorage)
}
