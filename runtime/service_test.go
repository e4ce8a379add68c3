package runtime

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tachfileto/evidenced/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{
		CacheDir:   cacheDir,
		LedgerPath: filepath.Join(dir, "ledger.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.ledger.Close() })
	return s
}

func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractEvidenceServesSemanticCacheHit(t *testing.T) {
	s := newTestService(t)
	src := writeSourceFile(t, "source document bytes")

	fp, err := s.fingerprintFile(src)
	if err != nil {
		t.Fatal(err)
	}

	bbox := types.BBox{X: 10, Y: 10, W: 100, H: 50}
	key := types.CacheKey{
		FileFingerprint: fp,
		PageIndex:       0,
		DPI:             72,
		BBoxHash:        types.BBoxHash(bbox),
	}
	if err := s.cache.PutSemantic(types.SemanticBlock{
		Key:          key,
		ContentBytes: []byte("hello"),
		BBoxList:     []types.BBox{bbox},
	}, false); err != nil {
		t.Fatal(err)
	}

	resp := s.ExtractEvidence(context.Background(), EvidenceRequest{
		FilePath:  src,
		PageIndex: 0,
		BBox:      bbox,
		DPI:       72,
	})

	if resp.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", resp.Status, resp.Message)
	}
	if !resp.IsCacheHit {
		t.Error("expected cache hit")
	}
	data, _ := base64.StdEncoding.DecodeString(resp.DataBase64)
	if string(data) != "hello" {
		t.Errorf("data = %q, want hello", data)
	}
}

func TestExtractEvidenceMissingFileFails(t *testing.T) {
	s := newTestService(t)

	resp := s.ExtractEvidence(context.Background(), EvidenceRequest{
		FilePath: filepath.Join(t.TempDir(), "nope.pdf"),
	})
	if resp.Status != StatusFailed {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.ErrorType != types.UIErrorFileNotFound {
		t.Errorf("error type = %q", resp.ErrorType)
	}
}

func TestClearCacheLeavesLedgerTrailAndRemovesArtifacts(t *testing.T) {
	s := newTestService(t)

	basename := s.naming.Format(s.cfg.NamingTag, "page", 1, time.Now().Unix())
	path := filepath.Join(s.cfg.CacheDir, basename)
	if err := os.WriteFile(path, make([]byte, 128), 0o644); err != nil {
		t.Fatal(err)
	}

	key := types.CacheKey{FileFingerprint: "fp1", PageIndex: 1, DPI: 72, BBoxHash: "bb"}
	if err := s.cache.PutImage(types.ImageBlock{
		Key:           key,
		ArtifactPath:  basename,
		FileSizeBytes: 128,
	}, false); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk: %v", err)
	}
	if s.reg.Stats().EntryCount != 0 {
		t.Errorf("registry not empty: %d entries", s.reg.Stats().EntryCount)
	}

	pending, err := s.ledger.GetPendingWarrants()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("%d warrants still pending after purge", len(pending))
	}
}

func TestExecuteVerdictHardDeleteRemovesArtifact(t *testing.T) {
	s := newTestService(t)

	basename := s.naming.Format(s.cfg.NamingTag, "page", 3, time.Now().Unix())
	path := filepath.Join(s.cfg.CacheDir, basename)
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	key := types.CacheKey{FileFingerprint: "fp2", PageIndex: 3, DPI: 96, BBoxHash: "cc"}
	if err := s.cache.PutImage(types.ImageBlock{
		Key: key, ArtifactPath: basename, FileSizeBytes: 64,
	}, false); err != nil {
		t.Fatal(err)
	}

	v := types.EvictionVerdict{
		FileID: key.FileID(),
		Action: types.ActionHardDelete,
		Reason: "over budget",
	}
	if err := s.executeVerdict(v, time.Now().Unix()); err != nil {
		t.Fatalf("executeVerdict: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact should be deleted")
	}
	if _, ok := s.reg.Get(key.FileID()); ok {
		t.Error("registry entry should be gone")
	}
}

func TestQuiesceSuppressesEvictionAndExecution(t *testing.T) {
	s := newTestService(t)

	if err := s.EnterQuiesce(time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Eviction cycle becomes a no-op while quiesced.
	if err := s.RunEvictionCycle(); err != nil {
		t.Fatalf("RunEvictionCycle under quiesce: %v", err)
	}

	// A directly-executed warrant is refused.
	basename := s.naming.Format(s.cfg.NamingTag, "page", 9, time.Now().Unix())
	w := types.ExecutionWarrant{
		Nonce:        s.nextNonce(),
		Target:       basename,
		Action:       types.ActionHardDelete,
		IssuedAtUnix: time.Now().Unix(),
		Verifier:     "test",
	}
	if _, err := s.ledger.AppendWarrant(w); err != nil {
		t.Fatal(err)
	}
	if _, err := s.exec.Execute(w); err == nil {
		t.Error("expected SystemQuiesced failure")
	}

	if err := s.ExitQuiesce(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.exec.Execute(w); err != nil {
		t.Errorf("execute after quiesce exit: %v", err)
	}
}

func TestUpdateUserIntentRefreshesViewportDistances(t *testing.T) {
	s := newTestService(t)

	inView := types.CacheKey{FileFingerprint: "fp", PageIndex: 5, DPI: 72, BBoxHash: "a"}
	farAway := types.CacheKey{FileFingerprint: "fp", PageIndex: 90, DPI: 72, BBoxHash: "b"}
	for _, k := range []types.CacheKey{inView, farAway} {
		if err := s.cache.PutSemantic(types.SemanticBlock{
			Key: k, ContentBytes: []byte("x"),
		}, false); err != nil {
			t.Fatal(err)
		}
	}

	s.UpdateUserIntent(5, 0, 4, 6)

	if e, _ := s.reg.Get(inView.FileID()); e.ViewportDistance != 0 {
		t.Errorf("in-view distance = %v, want 0", e.ViewportDistance)
	}
	if e, _ := s.reg.Get(farAway.FileID()); e.ViewportDistance != 1 {
		t.Errorf("far distance = %v, want 1", e.ViewportDistance)
	}
	if s.pre.QueueLen() == 0 {
		t.Error("prefetch queue should be rebuilt")
	}
}

func TestDecodeResponseSuccess(t *testing.T) {
	env := &types.Envelope{
		Type: types.MessageSuccess,
		Payload: map[string]any{
			"req_id":   "r-1",
			"data":     []byte{1, 2, 3},
			"metadata": map[string]any{"mime_type": "image/png", "width": int64(800)},
		},
	}
	reqID, resp := decodeResponse(env)
	if reqID != "r-1" {
		t.Errorf("reqID = %q", reqID)
	}
	if resp.Success == nil || len(resp.Success.Data) != 3 {
		t.Fatalf("success payload not decoded: %+v", resp)
	}
	if metadataString(resp.Success.Metadata, "mime_type") != "image/png" {
		t.Error("metadata mime_type lost")
	}
	if metadataInt(resp.Success.Metadata, "width") != 800 {
		t.Error("metadata width lost")
	}
}

func TestViewportDistance(t *testing.T) {
	cases := []struct {
		page, start, end int
		want             float64
	}{
		{5, 4, 6, 0},
		{4, 4, 6, 0},
		{7, 4, 6, 0.05},
		{26, 4, 6, 1},
		{0, 4, 6, 0.2},
	}
	for _, tc := range cases {
		if got := viewportDistance(tc.page, tc.start, tc.end); got != tc.want {
			t.Errorf("viewportDistance(%d, %d, %d) = %v, want %v", tc.page, tc.start, tc.end, got, tc.want)
		}
	}
}

func TestPageOfFileID(t *testing.T) {
	if page, ok := pageOfFileID("abc:12:72:dead"); !ok || page != 12 {
		t.Errorf("got (%d, %v)", page, ok)
	}
	if _, ok := pageOfFileID("not-a-file-id"); ok {
		t.Error("malformed id should not parse")
	}
}
