// Package tablearchive persists parsed table payloads to a
// Hive-partitioned dataset, outside the byte-budgeted cache tiers.
// The archive is an optional, disabled-by-default export surface for
// downstream analytics over extracted tables; nothing in the hot
// evidence path depends on it.
package tablearchive

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// jsonFast is the codec for table payloads. Tables arrive as
// map[string]any decoded from the worker wire format; they are
// serialized once here and stored as a JSON string column.
var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// RecordKindTable is the record discriminator for archived tables.
const RecordKindTable = "table"

// TableRecord is the storage format for one archived table.
type TableRecord struct {
	// Record discriminator.
	RecordKind string `json:"record_kind"`

	// Content identity.
	FileFingerprint string `json:"file_fingerprint"`
	PageIndex       int    `json:"page_index"`

	// TableJSON is the parsed table, serialized as compact JSON.
	TableJSON string `json:"table_json"`

	// Parse metadata.
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// ArchivedAt is the archive timestamp, UNIX seconds.
	ArchivedAt int64 `json:"archived_at"`

	// Day is the partition key derived from ArchivedAt (YYYY-MM-DD UTC).
	Day string `json:"day"`
}

// NewTableRecord builds a TableRecord from a parsed table payload.
func NewTableRecord(fingerprint string, pageIndex int, table map[string]any, language string, confidence float64, at time.Time) (*TableRecord, error) {
	encoded, err := jsonFast.Marshal(table)
	if err != nil {
		return nil, fmt.Errorf("tablearchive: encode table: %w", err)
	}
	return &TableRecord{
		RecordKind:      RecordKindTable,
		FileFingerprint: fingerprint,
		PageIndex:       pageIndex,
		TableJSON:       string(encoded),
		Language:        language,
		Confidence:      confidence,
		ArchivedAt:      at.Unix(),
		Day:             DeriveDay(at),
	}, nil
}

// Table decodes the record's table payload back into a map.
func (r *TableRecord) Table() (map[string]any, error) {
	var table map[string]any
	if err := jsonFast.Unmarshal([]byte(r.TableJSON), &table); err != nil {
		return nil, fmt.Errorf("tablearchive: decode table: %w", err)
	}
	return table, nil
}

// DeriveDay computes the day partition key from a timestamp.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// toRecordMap converts a TableRecord to the map shape the dataset
// layer requires.
func toRecordMap(r *TableRecord) map[string]any {
	return map[string]any{
		"record_kind":      r.RecordKind,
		"file_fingerprint": r.FileFingerprint,
		"page_index":       r.PageIndex,
		"table_json":       r.TableJSON,
		"language":         r.Language,
		"confidence":       r.Confidence,
		"archived_at":      r.ArchivedAt,
		"day":              r.Day,
	}
}
