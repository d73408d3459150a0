package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/vitalog/datalayer/internal/cache"
	"github.com/vitalog/datalayer/pkg/errors"
)

// SnapshotVersion is the current snapshot format.
const SnapshotVersion = 1

// lz4 frame magic number, little endian.
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

// Snapshot is the durable form of a cache.
type Snapshot struct {
	Version int                    `json:"version"`
	SavedAt time.Time              `json:"saved_at"`
	Entries []cache.PersistedEntry `json:"entries"`
}

// Encode serializes s as JSON, LZ4-framed when compress is set.
func Encode(s Snapshot, compress bool) ([]byte, error) {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Entries == nil {
		s.Entries = []cache.PersistedEntry{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, codecError("encode", err)
	}
	if !compress {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, codecError("compress", err)
	}
	if err := zw.Close(); err != nil {
		return nil, codecError("compress", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a snapshot written by Encode. Compressed and plain blobs are
// told apart by the LZ4 frame magic. An empty blob decodes to an empty snapshot.
func Decode(data []byte) (Snapshot, error) {
	if len(data) == 0 {
		return Snapshot{Version: SnapshotVersion}, nil
	}

	if IsCompressed(data) {
		plain, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return Snapshot{}, codecError("decompress", err)
		}
		data = plain
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, codecError("decode", err)
	}
	if s.Version > SnapshotVersion {
		return Snapshot{}, codecError("decode", fmt.Errorf("unsupported snapshot version %d", s.Version))
	}
	return s, nil
}

// IsCompressed reports whether data starts with an LZ4 frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, lz4Magic)
}

func codecError(op string, err error) error {
	return errors.NewError(errors.ErrCodePersistCodec, "snapshot "+op+" failed").
		WithComponent("persist").
		WithOperation(op).
		WithCause(err)
}
