package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const envelopeVersion = 1

// ContentType is the media type of stored capture blobs.
const ContentType = "application/gzip"

type envelope struct {
	Version    int               `json:"v"`
	TargetID   string            `json:"target_id"`
	CapturedAt time.Time         `json:"captured_at"`
	Payload    map[string][]byte `json:"payload"`
}

// Encode serializes a capture record into a gzip-compressed JSON envelope.
func Encode(rec crawler.CaptureRecord) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	env := envelope{
		Version:    envelopeVersion,
		TargetID:   rec.TargetID,
		CapturedAt: rec.CapturedAt.UTC(),
		Payload:    rec.Payload,
	}
	if err := json.NewEncoder(zw).Encode(env); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encode capture: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress capture: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(data []byte) (crawler.CaptureRecord, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return crawler.CaptureRecord{}, fmt.Errorf("open capture: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return crawler.CaptureRecord{}, fmt.Errorf("decompress capture: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return crawler.CaptureRecord{}, fmt.Errorf("decode capture: %w", err)
	}
	if env.Version != envelopeVersion {
		return crawler.CaptureRecord{}, fmt.Errorf("unsupported capture version %d", env.Version)
	}
	return crawler.CaptureRecord{
		TargetID:   env.TargetID,
		CapturedAt: env.CapturedAt,
		Payload:    env.Payload,
	}, nil
}
