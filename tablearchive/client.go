package tablearchive

import (
	"context"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// DefaultDataset is the default dataset name.
const DefaultDataset = "evidenced"

// Config holds archive configuration. The Hive partition keys are
// file_fingerprint / page_index / day: table lookups are always by
// document identity first, and day keeps partitions from growing
// unbounded for long-lived documents.
type Config struct {
	// Dataset is the dataset ID (default: "evidenced").
	Dataset string
}

func (c Config) dataset() string {
	if c.Dataset == "" {
		return DefaultDataset
	}
	return c.Dataset
}

// Client abstracts the archive storage client. LodeClient is the real
// implementation; StubClient serves tests.
type Client interface {
	// WriteTables writes a batch of table records.
	WriteTables(ctx context.Context, records []*TableRecord) error
	// Close releases client resources.
	Close() error
}

// LodeClient is the dataset-backed Client. Uses a Hive layout keyed by
// file_fingerprint/page_index/day with a JSONL codec.
type LodeClient struct {
	dataset lode.Dataset
	config  Config
}

// NewLodeClient creates a client with filesystem storage rooted at root.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a client with a custom store
// factory. Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.dataset()),
		factory,
		lode.WithHiveLayout("file_fingerprint", "page_index", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, cfg.dataset())
	}
	return &LodeClient{dataset: ds, config: cfg}, nil
}

// newClient wraps an already-built dataset; shared by the S3 path.
func newClient(ds lode.Dataset, cfg Config) *LodeClient {
	return &LodeClient{dataset: ds, config: cfg}
}

// WriteTables writes a batch of table records to the dataset.
func (c *LodeClient) WriteTables(ctx context.Context, records []*TableRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := make([]any, 0, len(records))
	for _, r := range records {
		batch = append(batch, toRecordMap(r))
	}
	_, err := c.dataset.Write(ctx, batch, lode.Metadata{})
	return WrapWriteError(err, c.config.dataset())
}

// Dataset exposes the underlying dataset for read paths (QueryTables).
func (c *LodeClient) Dataset() lode.Dataset {
	return c.dataset
}

// Close releases client resources.
func (c *LodeClient) Close() error {
	return nil
}

// StubClient is an in-memory Client for tests: records every write and
// can be programmed to fail.
type StubClient struct {
	mu      sync.Mutex
	Records []*TableRecord
	// FailWith, when non-nil, is returned by every WriteTables call.
	FailWith error
	Closed   bool
}

// WriteTables appends the batch to Records, or fails with FailWith.
func (s *StubClient) WriteTables(_ context.Context, records []*TableRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.Records = append(s.Records, records...)
	return nil
}

// Close marks the stub closed.
func (s *StubClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Written returns a copy of all recorded writes.
func (s *StubClient) Written() []*TableRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TableRecord, len(s.Records))
	copy(out, s.Records)
	return out
}
