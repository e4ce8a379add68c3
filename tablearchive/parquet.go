package tablearchive

import (
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// parquetRow is the columnar projection of a TableRecord. The table
// payload stays a JSON string column: archived tables have no shared
// schema to flatten into.
type parquetRow struct {
	FileFingerprint string  `parquet:"file_fingerprint"`
	PageIndex       int32   `parquet:"page_index"`
	TableJSON       string  `parquet:"table_json"`
	Language        string  `parquet:"language"`
	Confidence      float64 `parquet:"confidence"`
	ArchivedAt      int64   `parquet:"archived_at"`
	Day             string  `parquet:"day"`
}

// ExportParquet writes records as a single Parquet file to w, for
// handing archived tables to columnar tooling without going through
// the dataset layout.
func ExportParquet(w io.Writer, records []*TableRecord) error {
	rows := make([]parquetRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, parquetRow{
			FileFingerprint: r.FileFingerprint,
			PageIndex:       int32(r.PageIndex),
			TableJSON:       r.TableJSON,
			Language:        r.Language,
			Confidence:      r.Confidence,
			ArchivedAt:      r.ArchivedAt,
			Day:             r.Day,
		})
	}

	writer := parquet.NewGenericWriter[parquetRow](w)
	if _, err := writer.Write(rows); err != nil {
		_ = writer.Close()
		return fmt.Errorf("tablearchive: write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("tablearchive: close parquet writer: %w", err)
	}
	return nil
}
