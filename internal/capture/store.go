// Package capture durably stores raw fetch results ahead of ingestion. Each capture is a blob
// (gzip'd JSON envelope) plus an index row carrying its content hash and processed flag.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Config controls blob layout.
type Config struct {
	Prefix           string
	DiagnosticPrefix string
}

// Store implements crawler.CaptureStore over a BlobStore and a CaptureIndex.
type Store struct {
	blobs  crawler.BlobStore
	index  crawler.CaptureIndex
	hasher crawler.Hasher
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Store.
func New(
	blobs crawler.BlobStore,
	index crawler.CaptureIndex,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Store, error) {
	if blobs == nil || index == nil || hasher == nil || clock == nil {
		return nil, errors.New("capture store: blobs, index, hasher and clock are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "captures"
	}
	if cfg.DiagnosticPrefix == "" {
		cfg.DiagnosticPrefix = "failures"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, index: index, hasher: hasher, clock: clock, cfg: cfg, logger: logger}, nil
}

// Bucket maps a target id onto one of 256 partitions, rendered as two hex digits.
func Bucket(targetID string) string {
	return fmt.Sprintf("%02x", xxhash.Sum64String(targetID)&0xff)
}

// ObjectPath returns where the capture for targetID is stored under prefix.
func ObjectPath(prefix, targetID string) string {
	return fmt.Sprintf("%s/%s/%s.json.gz", strings.TrimSuffix(prefix, "/"), Bucket(targetID), url.PathEscape(targetID))
}

// Write stores payload for targetID and records it as unprocessed. The capture is durable
// once Write returns without error. Writing the same target again replaces the previous
// capture and clears its processed flag.
func (s *Store) Write(ctx context.Context, targetID string, payload crawler.Payload) (crawler.CaptureHandle, error) {
	if strings.TrimSpace(targetID) == "" {
		return crawler.CaptureHandle{}, fmt.Errorf("%w: target id is required", crawler.ErrStorage)
	}
	rec := crawler.CaptureRecord{TargetID: targetID, CapturedAt: s.clock.Now(), Payload: payload}
	data, err := Encode(rec)
	if err != nil {
		return crawler.CaptureHandle{}, fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return crawler.CaptureHandle{}, fmt.Errorf("%w: hash capture: %w", crawler.ErrStorage, err)
	}
	uri, err := s.blobs.PutObject(ctx, ObjectPath(s.cfg.Prefix, targetID), ContentType, bytes.NewReader(data))
	if err != nil {
		return crawler.CaptureHandle{}, fmt.Errorf("%w: put blob: %w", crawler.ErrStorage, err)
	}
	entry := crawler.IndexEntry{
		TargetID:    targetID,
		Bucket:      Bucket(targetID),
		BlobURI:     uri,
		ContentHash: sum,
		CapturedAt:  rec.CapturedAt,
	}
	if err := s.index.Record(ctx, entry); err != nil {
		return crawler.CaptureHandle{}, fmt.Errorf("%w: record index: %w", crawler.ErrStorage, err)
	}
	s.logger.Debug("capture stored",
		zap.String("target_id", targetID),
		zap.String("blob_uri", uri),
		zap.Int("bytes", len(data)))
	return entry.Handle(), nil
}

// WriteDiagnostic archives a partial payload from a failed fetch. Diagnostic captures are not
// indexed and never reach ingestion.
func (s *Store) WriteDiagnostic(ctx context.Context, targetID string, payload crawler.Payload) (string, error) {
	if strings.TrimSpace(targetID) == "" {
		return "", fmt.Errorf("%w: target id is required", crawler.ErrStorage)
	}
	now := s.clock.Now()
	data, err := Encode(crawler.CaptureRecord{TargetID: targetID, CapturedAt: now, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrStorage, err)
	}
	path := fmt.Sprintf("%s/%s/%s-%d.json.gz",
		strings.TrimSuffix(s.cfg.DiagnosticPrefix, "/"), Bucket(targetID), url.PathEscape(targetID), now.UnixNano())
	uri, err := s.blobs.PutObject(ctx, path, ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: put diagnostic blob: %w", crawler.ErrStorage, err)
	}
	return uri, nil
}

// ReadAll returns handles for every capture not yet marked processed, oldest first.
func (s *Store) ReadAll(ctx context.Context) ([]crawler.CaptureHandle, error) {
	entries, err := s.index.ListUnprocessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list unprocessed: %w", crawler.ErrStorage, err)
	}
	handles := make([]crawler.CaptureHandle, 0, len(entries))
	for _, e := range entries {
		handles = append(handles, e.Handle())
	}
	return handles, nil
}

// Load reads a capture back and checks it against the hash recorded at write time.
func (s *Store) Load(ctx context.Context, handle crawler.CaptureHandle) (crawler.CaptureRecord, error) {
	rc, err := s.blobs.GetObject(ctx, handle.BlobURI)
	if err != nil {
		return crawler.CaptureRecord{}, fmt.Errorf("%w: %s: %w", crawler.ErrCaptureNotFound, handle.TargetID, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return crawler.CaptureRecord{}, fmt.Errorf("%w: read blob: %w", crawler.ErrStorage, err)
	}
	if handle.ContentHash != "" {
		sum, err := s.hasher.Hash(data)
		if err != nil {
			return crawler.CaptureRecord{}, fmt.Errorf("%w: hash capture: %w", crawler.ErrStorage, err)
		}
		if sum != handle.ContentHash {
			return crawler.CaptureRecord{}, fmt.Errorf("%w: %s", crawler.ErrIntegrity, handle.TargetID)
		}
	}
	rec, err := Decode(data)
	if err != nil {
		return crawler.CaptureRecord{}, err
	}
	if rec.TargetID != handle.TargetID {
		return crawler.CaptureRecord{}, fmt.Errorf("%w: blob holds %s, expected %s",
			crawler.ErrIntegrity, rec.TargetID, handle.TargetID)
	}
	return rec, nil
}

// MarkProcessed flags the capture as ingested. A newer capture of the same target written
// after handle was issued stays unprocessed.
func (s *Store) MarkProcessed(ctx context.Context, handle crawler.CaptureHandle) error {
	if err := s.index.MarkProcessed(ctx, handle.TargetID, handle.ContentHash); err != nil {
		return fmt.Errorf("%w: mark processed: %w", crawler.ErrStorage, err)
	}
	return nil
}
