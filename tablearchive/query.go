package tablearchive

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/lode/lode"
)

// ErrNoTablesFound is returned when no table records match a query.
var ErrNoTablesFound = errors.New("no table records found")

// QueryTables reads archived table records for a document, newest
// snapshot first, optionally filtered to one page. pageIndex < 0 means
// all pages. Used by the read-only CLI surfaces; the hot path never
// reads the archive back.
func QueryTables(ctx context.Context, ds lode.Dataset, fingerprint string, pageIndex int) ([]*TableRecord, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "snapshots")
	}

	var out []*TableRecord
	// Latest first — snapshots are ordered by creation time.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}

		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if record["record_kind"] != RecordKindTable {
				continue
			}
			if fingerprint != "" && toString(record["file_fingerprint"]) != fingerprint {
				continue
			}
			if pageIndex >= 0 && toInt(record["page_index"]) != pageIndex {
				continue
			}
			out = append(out, recordFromMap(record))
		}
	}

	if len(out) == 0 {
		return nil, ErrNoTablesFound
	}
	return out, nil
}

// recordFromMap rehydrates a TableRecord from its stored map shape.
func recordFromMap(m map[string]any) *TableRecord {
	return &TableRecord{
		RecordKind:      toString(m["record_kind"]),
		FileFingerprint: toString(m["file_fingerprint"]),
		PageIndex:       toInt(m["page_index"]),
		TableJSON:       toString(m["table_json"]),
		Language:        toString(m["language"]),
		Confidence:      toFloat(m["confidence"]),
		ArchivedAt:      int64(toInt(m["archived_at"])),
		Day:             toString(m["day"]),
	}
}

// toString converts a value to string, returning "" for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt widens the numeric shapes JSON decoding can produce.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
