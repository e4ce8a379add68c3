package tablearchive

import (
	"context"
	"time"

	"github.com/tachfileto/evidenced/metrics"
)

// Archive adapts a Client to the runtime's table sink: one archived
// record per parsed table, written synchronously on the goroutine that
// calls ArchiveTable. Each write outcome is counted on the
// metrics collector (nil collector is a no-op).
type Archive struct {
	client    Client
	collector *metrics.Collector
	now       func() time.Time

	// Language/Confidence defaults stamped on records whose parse
	// metadata is unknown at archive time.
	Language   string
	Confidence float64
}

// NewArchive creates an Archive writing through client.
func NewArchive(client Client, collector *metrics.Collector) *Archive {
	return &Archive{client: client, collector: collector, now: time.Now}
}

// ArchiveTable persists one parsed table.
func (a *Archive) ArchiveTable(ctx context.Context, fingerprint string, pageIndex int, table map[string]any) error {
	record, err := NewTableRecord(fingerprint, pageIndex, table, a.Language, a.Confidence, a.now())
	if err != nil {
		a.collector.IncArchiveWriteFailure()
		return err
	}
	if err := a.client.WriteTables(ctx, []*TableRecord{record}); err != nil {
		a.collector.IncArchiveWriteFailure()
		return err
	}
	a.collector.IncArchiveWriteSuccess()
	return nil
}

// Close releases the underlying client.
func (a *Archive) Close() error {
	return a.client.Close()
}
