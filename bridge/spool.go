// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/timebridge-io/timebridge/lib/codec"
)

// CompressionTag identifies the algorithm used for a spool payload.
// The tag is the first byte of the file, so old spools stay readable
// after a configuration change.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a compression tag from its string
// representation.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// Spool file layout: [1-byte tag][8-byte big-endian uncompressed
// size][payload]. The payload is the CBOR encoding of []Message.
const spoolHeaderSize = 9

// zstdEncoder and zstdDecoder are reused across calls. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bridge: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("bridge: zstd decoder initialization failed: " + err.Error())
	}
}

// WriteSpool persists undelivered messages so a restart does not lose
// them. An empty snapshot removes any stale spool. The write is
// atomic: temp file plus rename.
func WriteSpool(path string, messages []Message, tag CompressionTag) error {
	if len(messages) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("bridge: removing stale spool: %w", err)
		}
		return nil
	}

	payload, err := codec.Marshal(messages)
	if err != nil {
		return fmt.Errorf("bridge: encoding spool: %w", err)
	}

	compressed, err := compressSpool(payload, tag)
	if err != nil {
		// Incompressible payloads fall back to a plain spool.
		compressed = payload
		tag = CompressionNone
	}

	out := make([]byte, spoolHeaderSize+len(compressed))
	out[0] = byte(tag)
	binary.BigEndian.PutUint64(out[1:spoolHeaderSize], uint64(len(payload)))
	copy(out[spoolHeaderSize:], compressed)

	temp, err := os.CreateTemp(filepath.Dir(path), ".spool-*")
	if err != nil {
		return fmt.Errorf("bridge: creating spool temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(out); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("bridge: writing spool: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("bridge: closing spool: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("bridge: renaming spool into place: %w", err)
	}
	return nil
}

// ReadSpool loads a spool written by WriteSpool and removes the file.
// A missing spool returns an empty slice. A corrupt spool is an error;
// the caller logs and continues — spooled messages are best-effort,
// never worth refusing to start over.
func ReadSpool(path string) ([]Message, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: reading spool: %w", err)
	}
	// Consumed regardless of outcome: a corrupt spool must not
	// poison every subsequent start.
	defer os.Remove(path)

	if len(raw) < spoolHeaderSize {
		return nil, fmt.Errorf("bridge: spool truncated: %d bytes", len(raw))
	}
	tag := CompressionTag(raw[0])
	uncompressedSize := binary.BigEndian.Uint64(raw[1:spoolHeaderSize])
	if uncompressedSize > 1<<30 {
		return nil, fmt.Errorf("bridge: spool claims implausible size %d", uncompressedSize)
	}

	payload, err := decompressSpool(raw[spoolHeaderSize:], tag, int(uncompressedSize))
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := codec.Unmarshal(payload, &messages); err != nil {
		return nil, fmt.Errorf("bridge: decoding spool: %w", err)
	}
	return messages, nil
}

var errIncompressible = errors.New("bridge: data is incompressible")

func compressSpool(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("bridge: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("bridge: unsupported compression tag: %d", tag)
	}
}

func decompressSpool(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("bridge: spool size %d does not match header %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("bridge: lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("bridge: lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		destination, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("bridge: zstd decompress: %w", err)
		}
		if len(destination) != uncompressedSize {
			return nil, fmt.Errorf("bridge: zstd decompress: got %d bytes, expected %d", len(destination), uncompressedSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("bridge: unsupported compression tag: %d", tag)
	}
}
