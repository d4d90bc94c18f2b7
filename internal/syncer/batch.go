package syncer

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"time"

	"github.com/swarmguard/edgecore/internal/types"
)

// gzipMagic is the fixed 2-byte header gzip writes; receivers use it to
// detect transport-compressed batches.
var gzipMagic = [2]byte{0x1f, 0x8b}

// deltaRecord is the normative wire shape for one delta in a sync batch.
type deltaRecord struct {
	DeltaID     string  `json:"delta_id"`
	EntityType  string  `json:"entity_type"`
	EntityID    string  `json:"entity_id"`
	Operation   string  `json:"operation"`
	OldVersion  *uint64 `json:"old_version,omitempty"`
	NewVersion  uint64  `json:"new_version"`
	OldChecksum string  `json:"old_checksum,omitempty"`
	NewChecksum string  `json:"new_checksum"`
	Data        []byte  `json:"data,omitempty"`
	Patch       []byte  `json:"patch,omitempty"`
	Priority    string  `json:"priority"`
	Timestamp   string  `json:"timestamp"`
	Compressed  bool    `json:"compressed"`
	SizeBytes   int     `json:"size_bytes"`
}

func toRecord(d *types.Delta, compressed bool) deltaRecord {
	rec := deltaRecord{
		DeltaID:     d.ID,
		EntityType:  d.EntityType,
		EntityID:    d.EntityID,
		Operation:   string(d.Operation),
		NewVersion:  d.NewVersion,
		OldChecksum: d.OldChecksum,
		NewChecksum: d.NewChecksum,
		Data:        d.Data,
		Patch:       d.Patch,
		Priority:    d.Priority.String(),
		Timestamp:   d.Timestamp.UTC().Format(time.RFC3339),
		Compressed:  compressed,
		SizeBytes:   d.SizeBytes,
	}
	if d.HasOldVer {
		v := d.OldVersion
		rec.OldVersion = &v
	}
	return rec
}

func fromRecord(rec deltaRecord) *types.Delta {
	d := &types.Delta{
		ID:          rec.DeltaID,
		Operation:   types.DeltaOperation(rec.Operation),
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		NewVersion:  rec.NewVersion,
		OldChecksum: rec.OldChecksum,
		NewChecksum: rec.NewChecksum,
		Data:        rec.Data,
		Patch:       rec.Patch,
		Priority:    priorityFromString(rec.Priority),
		SizeBytes:   rec.SizeBytes,
	}
	if rec.OldVersion != nil {
		d.OldVersion = *rec.OldVersion
		d.HasOldVer = true
	}
	if t, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
		d.Timestamp = t
	}
	return d
}

func priorityFromString(s string) types.SyncPriority {
	switch s {
	case "immediate":
		return types.PriorityImmediate
	case "high":
		return types.PriorityHigh
	case "medium":
		return types.PriorityMedium
	case "low":
		return types.PriorityLow
	default:
		return types.PriorityDeferred
	}
}

// Batch is a prepared set of deltas ready for transport, optionally gzipped.
type Batch struct {
	Deltas       []*types.Delta
	Wire         []byte
	Compressed   bool
	RawBytes     int
	CompressedBytes int
}

// CreateSyncBatch builds a batch from deltas (already selected/ordered by
// the caller), serializing to the normative wire format and gzip-compressing
// at level 6 when the serialized size exceeds thresholdBytes.
func CreateSyncBatch(deltas []*types.Delta, thresholdBytes int) (*Batch, error) {
	records := make([]deltaRecord, 0, len(deltas))
	for _, d := range deltas {
		records = append(records, toRecord(d, false))
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Deltas: deltas, Wire: raw, RawBytes: len(raw), CompressedBytes: len(raw)}
	if thresholdBytes > 0 && len(raw) > thresholdBytes {
		for i := range records {
			records[i].Compressed = true
		}
		compressedRecords, err := json.Marshal(records)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := gz.Write(compressedRecords); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		batch.Wire = buf.Bytes()
		batch.Compressed = true
		batch.CompressedBytes = buf.Len()
	}
	return batch, nil
}

// isGzipped detects the fixed gzip magic at the start of data.
func isGzipped(data []byte) bool {
	return len(data) >= 2 && data[0] == gzipMagic[0] && data[1] == gzipMagic[1]
}

// DecodeBatch parses wire bytes back into deltas, transparently
// decompressing when the gzip magic is present.
func DecodeBatch(wire []byte) ([]*types.Delta, error) {
	payload := wire
	if isGzipped(wire) {
		gz, err := gzip.NewReader(bytes.NewReader(wire))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(gz); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
	}
	var records []deltaRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, err
	}
	out := make([]*types.Delta, 0, len(records))
	for _, rec := range records {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}
