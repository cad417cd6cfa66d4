// Package codec serializes baseline snapshots into compressed, self-describing
// records.
//
// Record layout:
//
//	magic   [4]byte  "XLBS"
//	version uint8    record layout version
//	format  uint8    compression format tag
//	payload []byte   compressed JSON snapshot
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"xlwatch/internal/sheet"
)

// Version and magic constants
const (
	Magic      = "XLBS"
	Version    = 1
	headerSize = len(Magic) + 2
)

// Format is a compression format name.
type Format string

// Supported formats, ordered from preferred to fallback.
const (
	FormatZstd Format = "zstd"
	FormatLZ4  Format = "lz4"
	FormatGzip Format = "gzip"
	FormatNone Format = "none"
)

// preference is the downgrade order used by ValidateFormat.
var preference = []Format{FormatZstd, FormatLZ4, FormatGzip, FormatNone}

var formatTags = map[Format]byte{
	FormatNone: 0,
	FormatGzip: 1,
	FormatZstd: 2,
	FormatLZ4:  3,
}

// Errors
var (
	ErrUnsupportedFormat = errors.New("codec: unsupported compression format")
	ErrInvalidMagic      = errors.New("codec: invalid magic")
	ErrInvalidVersion    = errors.New("codec: unsupported record version")
	ErrCorrupt           = errors.New("codec: corrupt record")
)

// Formats returns every format the codec knows about, in preference order.
func Formats() []Format {
	return append([]Format(nil), preference...)
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := formatTags[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
	return f, nil
}

func formatForTag(tag byte) (Format, bool) {
	for f, t := range formatTags {
		if t == tag {
			return f, true
		}
	}
	return "", false
}

var (
	probeOnce sync.Once
	available map[Format]bool
)

// Available probes each format with a small round trip and returns the ones
// that work in this build, in preference order. The probe runs once.
func Available() []Format {
	probeOnce.Do(func() {
		available = make(map[Format]bool, len(preference))
		probe := sheet.Snapshot{"probe": {"A1": {Value: "1", Formula: "=1"}}}
		for _, f := range preference {
			data, err := Encode(probe, f)
			if err != nil {
				continue
			}
			got, _, err := Decode(data)
			available[f] = err == nil && got.Equal(probe)
		}
	})

	out := make([]Format, 0, len(preference))
	for _, f := range preference {
		if available[f] {
			out = append(out, f)
		}
	}
	return out
}

// IsAvailable reports whether f passed the startup probe.
func IsAvailable(f Format) bool {
	for _, a := range Available() {
		if a == f {
			return true
		}
	}
	return false
}

// ValidateFormat returns the nearest supported format for requested. An
// unknown or unavailable request is downgraded along the preference order
// with a warning; it never fails.
func ValidateFormat(requested string, logger *slog.Logger) Format {
	f, err := ParseFormat(requested)
	if err == nil && IsAvailable(f) {
		return f
	}

	start := 0
	if err == nil {
		for i, p := range preference {
			if p == f {
				start = i + 1
				break
			}
		}
	}

	chosen := FormatNone
	for _, p := range preference[start:] {
		if IsAvailable(p) {
			chosen = p
			break
		}
	}

	if logger != nil {
		logger.Warn("compression format downgraded",
			"requested", requested,
			"using", string(chosen),
		)
	}
	return chosen
}

// Encode serializes snap with the given format.
func Encode(snap sheet.Snapshot, f Format) ([]byte, error) {
	tag, ok := formatTags[f]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if snap == nil {
		snap = sheet.Snapshot{}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(raw)/2)
	buf.WriteString(Magic)
	buf.WriteByte(Version)
	buf.WriteByte(tag)

	if err := compress(&buf, raw, f); err != nil {
		return nil, fmt.Errorf("compress %s: %w", f, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode and reports the format it used.
func Decode(data []byte) (sheet.Snapshot, Format, error) {
	if len(data) < headerSize {
		return nil, "", fmt.Errorf("%w: short record (%d bytes)", ErrCorrupt, len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, "", ErrInvalidMagic
	}
	if v := data[len(Magic)]; v != Version {
		return nil, "", fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	f, ok := formatForTag(data[len(Magic)+1])
	if !ok {
		return nil, "", fmt.Errorf("%w: tag %d", ErrUnsupportedFormat, data[len(Magic)+1])
	}

	raw, err := decompress(data[headerSize:], f)
	if err != nil {
		return nil, f, fmt.Errorf("%w: %s: %w", ErrCorrupt, f, err)
	}

	snap := sheet.Snapshot{}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, f, fmt.Errorf("%w: unmarshal: %w", ErrCorrupt, err)
	}
	for name, cells := range snap {
		if cells == nil {
			snap[name] = sheet.Sheet{}
		}
	}
	return snap, f, nil
}

func compress(w io.Writer, raw []byte, f Format) error {
	switch f {
	case FormatNone:
		_, err := w.Write(raw)
		return err
	case FormatGzip:
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	case FormatZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	case FormatLZ4:
		zw := lz4.NewWriter(w)
		if _, err := zw.Write(raw); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	default:
		return ErrUnsupportedFormat
	}
}

func decompress(payload []byte, f Format) ([]byte, error) {
	switch f {
	case FormatNone:
		return payload, nil
	case FormatGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case FormatZstd:
		zr, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case FormatLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	default:
		return nil, ErrUnsupportedFormat
	}
}
