package vectorindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/qaflow-labs/qaflow-go/internal/domain"
	"github.com/zeebo/blake3"
)

// Snapshot envelope:
//
//	magic "QFVI" | version (1) | compression (1) | raw length (8, big endian)
//	| BLAKE3-256 of the raw CBOR (32) | body
const (
	snapshotMagic   = "QFVI"
	snapshotVersion = 1
	headerSize      = 4 + 1 + 1 + 8 + 32
	maxSnapshotSize = 1 << 31
)

var ErrCorruptSnapshot = errors.New("corrupt vector index snapshot")

type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown snapshot compression %q", name)
	}
}

type snapshot struct {
	Version    int             `cbor:"1,keyasint"`
	Dimensions int             `cbor:"2,keyasint"`
	Entries    []snapshotEntry `cbor:"3,keyasint"`
}

type snapshotEntry struct {
	ID        string    `cbor:"1,keyasint"`
	Checksum  string    `cbor:"2,keyasint"`
	Model     string    `cbor:"3,keyasint"`
	Project   string    `cbor:"4,keyasint"`
	Branch    string    `cbor:"5,keyasint"`
	Type      string    `cbor:"6,keyasint"`
	Tags      []string  `cbor:"7,keyasint,omitempty"`
	Timestamp int64     `cbor:"8,keyasint"`
	Vector    []float32 `cbor:"9,keyasint"`
}

func (e snapshotEntry) attributes() Attributes {
	return Attributes{
		Checksum:  e.Checksum,
		Model:     e.Model,
		Project:   e.Project,
		Branch:    e.Branch,
		Type:      domain.EventType(e.Type),
		Tags:      e.Tags,
		Timestamp: time.Unix(0, e.Timestamp).UTC(),
	}
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	// Core deterministic encoding: identical content gives identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("vectorindex: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 27}.DecMode()
	if err != nil {
		panic("vectorindex: cbor decoder: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("vectorindex: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vectorindex: zstd decoder: " + err.Error())
	}
}

// snapshotLocked copies the entries sorted by id. Caller holds x.mu.
func (x *Index) snapshotLocked() snapshot {
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := snapshot{Version: snapshotVersion, Dimensions: x.dims, Entries: make([]snapshotEntry, 0, len(ids))}
	for _, id := range ids {
		e := x.entries[id]
		snap.Entries = append(snap.Entries, snapshotEntry{
			ID:        id,
			Checksum:  e.attrs.Checksum,
			Model:     e.attrs.Model,
			Project:   e.attrs.Project,
			Branch:    e.attrs.Branch,
			Type:      string(e.attrs.Type),
			Tags:      e.attrs.Tags,
			Timestamp: e.attrs.Timestamp.UnixNano(),
			Vector:    e.vector,
		})
	}
	return snap
}

func encodeSnapshot(snap snapshot, c Compression) ([]byte, error) {
	raw, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	body, c, err := compress(raw, c)
	if err != nil {
		return nil, err
	}
	digest := blake3.Sum256(raw)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(body))
	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(byte(c))
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(raw)))
	buf.Write(size[:])
	buf.Write(digest[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

func decodeSnapshot(blob []byte) (snapshot, error) {
	if len(blob) < headerSize || string(blob[:4]) != snapshotMagic {
		return snapshot{}, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}
	if blob[4] != snapshotVersion {
		return snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, blob[4])
	}
	c := Compression(blob[5])
	rawLen := binary.BigEndian.Uint64(blob[6:14])
	if rawLen > maxSnapshotSize {
		return snapshot{}, fmt.Errorf("%w: declared size %d too large", ErrCorruptSnapshot, rawLen)
	}
	var want [32]byte
	copy(want[:], blob[14:46])

	raw, err := decompress(blob[headerSize:], c, int(rawLen))
	if err != nil {
		return snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if blake3.Sum256(raw) != want {
		return snapshot{}, fmt.Errorf("%w: digest mismatch", ErrCorruptSnapshot)
	}
	var snap snapshot
	if err := decMode.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, nil
}

// compress returns the body and the compression actually applied. LZ4
// falls back to none for incompressible input.
func compress(raw []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(raw, nil), CompressionZstd, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(raw) {
			return raw, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", c)
	}
}

func decompress(body []byte, c Compression, rawLen int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(body) != rawLen {
			return nil, fmt.Errorf("size %d, want %d", len(body), rawLen)
		}
		return body, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("zstd size %d, want %d", len(out), rawLen)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("lz4 size %d, want %d", n, rawLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}
