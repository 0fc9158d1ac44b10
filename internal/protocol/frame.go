package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	headerSize = 5

	flagGzip byte = 1 << 0

	// DefaultCompressThreshold is the body size from which frames are gzip-compressed.
	DefaultCompressThreshold = 1 << 10
	// DefaultMaxFrameSize bounds the encoded body accepted by ReadFrame.
	DefaultMaxFrameSize = 64 << 20
)

// FrameOptions tunes framing.
type FrameOptions struct {
	// CompressThreshold is the JSON size at which the body is gzip'd. Negative disables
	// compression.
	CompressThreshold int
	// MaxFrameSize bounds both the wire body and its decompressed size.
	MaxFrameSize int
}

func (o FrameOptions) withDefaults() FrameOptions {
	if o.CompressThreshold == 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// WriteFrame encodes v as JSON and writes one frame: a flags byte, a big-endian uint32 body
// length and the body.
func WriteFrame(w io.Writer, v any, opts FrameOptions) error {
	opts = opts.withDefaults()
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode body: %w", ErrProtocol, err)
	}
	var flags byte
	if opts.CompressThreshold > 0 && len(body) >= opts.CompressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("%w: compress body: %w", ErrProtocol, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("%w: compress body: %w", ErrProtocol, err)
		}
		body = buf.Bytes()
		flags |= flagGzip
	}
	if len(body) > opts.MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, len(body), opts.MaxFrameSize)
	}

	header := make([]byte, headerSize)
	header[0] = flags
	binary.BigEndian.PutUint32(header[1:], uint32(len(body))) //nolint:gosec // bounded by MaxFrameSize
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: write header: %w", ErrTransport, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: write body: %w", ErrTransport, err)
	}
	return nil
}

// ReadFrame reads one frame and decodes its JSON body into v.
func ReadFrame(r io.Reader, v any, opts FrameOptions) error {
	opts = opts.withDefaults()
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated header: %w", ErrProtocol, err)
		}
		return fmt.Errorf("%w: read header: %w", ErrTransport, err)
	}
	flags := header[0]
	if flags&^flagGzip != 0 {
		return fmt.Errorf("%w: unknown frame flags %#x", ErrProtocol, flags)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if uint64(size) > uint64(opts.MaxFrameSize) {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrProtocol, size, opts.MaxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated body: %w", ErrProtocol, err)
		}
		return fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	if flags&flagGzip != 0 {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: open gzip body: %w", ErrProtocol, err)
		}
		limited := io.LimitReader(zr, int64(opts.MaxFrameSize)+1)
		plain, err := io.ReadAll(limited)
		_ = zr.Close()
		if err != nil {
			return fmt.Errorf("%w: decompress body: %w", ErrProtocol, err)
		}
		if len(plain) > opts.MaxFrameSize {
			return fmt.Errorf("%w: decompressed body exceeds limit %d", ErrProtocol, opts.MaxFrameSize)
		}
		body = plain
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode body: %w", ErrProtocol, err)
	}
	return nil
}
