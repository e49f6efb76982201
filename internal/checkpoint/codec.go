package checkpoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/agentbridge/agentbridge/internal/model"
	"github.com/agentbridge/agentbridge/internal/session"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// session image always produces identical bytes, so unchanged sessions
// write identical rows.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: cbor encoder init: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("checkpoint: cbor decoder init: " + err.Error())
	}
	// Both are safe for concurrent use and reused across calls.
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder init: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder init: " + err.Error())
	}
}

// EncodeSnapshot serializes a session snapshot into the two persisted
// blobs: the CBOR snapshot body and the zstd-compressed CBOR history.
// The history dominates record size for long sessions, so it is split
// out and compressed; the body stays small and uncompressed.
func EncodeSnapshot(snap session.Snapshot) (body, history []byte, err error) {
	entries := snap.History
	snap.History = nil

	body, err = encMode.Marshal(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("encode snapshot %s: %w", snap.SessionID, err)
	}
	if len(entries) == 0 {
		return body, nil, nil
	}
	raw, err := encMode.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("encode history %s: %w", snap.SessionID, err)
	}
	history = zstdEncoder.EncodeAll(raw, nil)
	return body, history, nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(body, history []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := decMode.Unmarshal(body, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(history) == 0 {
		return snap, nil
	}
	raw, err := zstdDecoder.DecodeAll(history, nil)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("decompress history %s: %w", snap.SessionID, err)
	}
	var entries []model.HistoryEntry
	if err := decMode.Unmarshal(raw, &entries); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode history %s: %w", snap.SessionID, err)
	}
	snap.History = entries
	return snap, nil
}
