package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tachfileto/evidenced/backpressure"
	"github.com/tachfileto/evidenced/router"
	"github.com/tachfileto/evidenced/types"
	"github.com/tachfileto/evidenced/workerproc"
)

// EvidenceRequest is one extract_evidence() call from the UI host.
type EvidenceRequest struct {
	FilePath  string
	PageIndex int
	BBox      types.BBox
	DPI       int
	Format    string
	Quality   int
	// Timeout overrides the service's default request deadline when
	// positive.
	Timeout time.Duration
	// Pinned marks the resulting cache entry as excluded from eviction.
	Pinned bool
}

// EvidenceStatus discriminates EvidenceResponse variants.
type EvidenceStatus string

const (
	StatusSuccess EvidenceStatus = "success"
	StatusPending EvidenceStatus = "pending"
	StatusFailed  EvidenceStatus = "failed"
)

// EvidenceResponse is the extract_evidence() result.
type EvidenceResponse struct {
	Status    EvidenceStatus
	RequestID string

	// Success fields.
	DataBase64 string
	MimeType   string
	Width      int
	Height     int
	IsCacheHit bool

	// Pending fields.
	QueuePosition   int
	EstimatedWaitMs int64

	// Failed fields.
	ErrorType    types.UIErrorType
	Message      string
	RetryAfterMs int64
}

// transient extractor failures are attempted at most this many times in
// all (the first try plus retries with backoff) before surfacing
// WorkerUnavailable.
const maxWorkerRetries = 3

// workerOutcome is what performExtraction hands back to the waiting
// caller. The cache is already populated by the time it is sent.
type workerOutcome struct {
	data     []byte
	mimeType string
	width    int
	height   int
	errType  types.UIErrorType
	errMsg   string
}

// ExtractEvidence implements extract_evidence(). Cache hits return
// immediately without worker involvement. On a miss the work is
// admitted through the backpressure controller; the caller waits up to
// its deadline while the extraction itself runs against the longer
// worker-call budget, so a timed-out caller still leaves a warm cache
// entry behind.
func (s *Service) ExtractEvidence(ctx context.Context, req EvidenceRequest) EvidenceResponse {
	started := time.Now()
	requestID := router.NewRequestID()

	fingerprint, err := s.fingerprintFile(req.FilePath)
	if err != nil {
		s.collector.RecordRequest(false, time.Since(started), true)
		return EvidenceResponse{
			Status:    StatusFailed,
			RequestID: requestID,
			ErrorType: types.UIErrorFileNotFound,
			Message:   err.Error(),
		}
	}

	key := types.CacheKey{
		FileFingerprint: fingerprint,
		PageIndex:       req.PageIndex,
		DPI:             req.DPI,
		BBoxHash:        types.BBoxHash(req.BBox),
	}

	if resp, ok := s.serveFromCache(requestID, key); ok {
		s.collector.RecordRequest(true, time.Since(started), false)
		return resp
	}

	resultCh := make(chan workerOutcome, 1)
	outcome := s.ctrl.Submit(backpressure.WorkItem{
		Priority: backpressure.PriorityHigh,
		Kind:     "image",
		Run: func(workCtx context.Context) {
			resultCh <- s.performExtraction(workCtx, req, key)
		},
	})
	if outcome == backpressure.Rejected {
		s.collector.RecordRequest(false, time.Since(started), true)
		return EvidenceResponse{
			Status:       StatusFailed,
			RequestID:    requestID,
			ErrorType:    types.UIErrorMemoryExhausted,
			Message:      "runtime is saturated, retry later",
			RetryAfterMs: 1000,
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		failed := out.errType != ""
		s.collector.RecordRequest(false, time.Since(started), failed)
		if failed {
			return EvidenceResponse{
				Status:    StatusFailed,
				RequestID: requestID,
				ErrorType: out.errType,
				Message:   out.errMsg,
			}
		}
		return EvidenceResponse{
			Status:     StatusSuccess,
			RequestID:  requestID,
			DataBase64: base64.StdEncoding.EncodeToString(out.data),
			MimeType:   out.mimeType,
			Width:      out.width,
			Height:     out.height,
			IsCacheHit: false,
		}
	case <-timer.C:
		// The worker call keeps running; its result still populates the
		// cache for the retry.
		s.collector.RecordRequest(false, time.Since(started), true)
		return EvidenceResponse{
			Status:       StatusFailed,
			RequestID:    requestID,
			ErrorType:    types.UIErrorTimeoutExceeded,
			Message:      "deadline exceeded, extraction continues in background",
			RetryAfterMs: 500,
		}
	case <-ctx.Done():
		s.collector.RecordRequest(false, time.Since(started), true)
		return EvidenceResponse{
			Status:    StatusFailed,
			RequestID: requestID,
			ErrorType: types.UIErrorTimeoutExceeded,
			Message:   ctx.Err().Error(),
		}
	}
}

// serveFromCache checks L1 then L2 for the key. An L2 hit whose backing
// artifact has vanished from disk is dropped and treated as a miss.
func (s *Service) serveFromCache(requestID string, key types.CacheKey) (EvidenceResponse, bool) {
	if block, ok := s.cache.GetSemantic(key); ok {
		return EvidenceResponse{
			Status:     StatusSuccess,
			RequestID:  requestID,
			DataBase64: base64.StdEncoding.EncodeToString(block.ContentBytes),
			MimeType:   "text/markdown",
			IsCacheHit: true,
		}, true
	}

	if block, ok := s.cache.GetImage(key); ok {
		data, err := os.ReadFile(filepath.Join(s.cfg.CacheDir, block.ArtifactPath))
		if err == nil {
			return EvidenceResponse{
				Status:     StatusSuccess,
				RequestID:  requestID,
				DataBase64: base64.StdEncoding.EncodeToString(data),
				MimeType:   "image/png",
				IsCacheHit: true,
			}, true
		}
		s.logger.Warn("image artifact missing on disk, dropping entry", map[string]any{
			"file_id": key.FileID(), "artifact": block.ArtifactPath,
		})
		s.cache.Remove(key.FileID())
	}

	return EvidenceResponse{}, false
}

// performExtraction drives the worker RPC with retry/backoff and, on
// success, populates the cache before reporting back.
func (s *Service) performExtraction(ctx context.Context, req EvidenceRequest, key types.CacheKey) workerOutcome {
	var lastErr *types.ErrorPayload

	for attempt := 0; attempt < maxWorkerRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			case <-ctx.Done():
				return workerOutcome{errType: types.UIErrorTimeoutExceeded, errMsg: ctx.Err().Error()}
			}
		}

		success, errPayload, err := s.callWorker(ctx, types.MessageExtractEvidence, map[string]any{
			"file_path":  req.FilePath,
			"page_index": req.PageIndex,
			"bbox": map[string]any{
				"x": req.BBox.X, "y": req.BBox.Y, "w": req.BBox.W, "h": req.BBox.H,
				"unit": req.BBox.Unit,
			},
			"dpi":     req.DPI,
			"fmt":     req.Format,
			"quality": req.Quality,
		})
		if err != nil {
			lastErr = &types.ErrorPayload{Code: "transport", Message: err.Error()}
			continue
		}
		if errPayload != nil {
			if terminal, uiType := classifyWorkerError(errPayload); terminal {
				return workerOutcome{errType: uiType, errMsg: errPayload.Message}
			}
			lastErr = errPayload
			continue
		}

		return s.populateFromSuccess(req, key, success)
	}

	msg := "worker unavailable"
	if lastErr != nil {
		msg = lastErr.Message
	}
	return workerOutcome{errType: types.UIErrorWorkerUnavailable, errMsg: msg}
}

// callWorker sends one request envelope and waits for its terminal
// response under the worker-call budget.
func (s *Service) callWorker(ctx context.Context, typ types.MessageType, payload map[string]any) (*types.SuccessPayload, *types.ErrorPayload, error) {
	worker := s.currentWorker()
	if worker == nil {
		return nil, nil, errors.New("runtime: no worker running")
	}

	env := workerproc.NewEnvelope(typ, payload)
	recv := s.rt.Register(env.MessageID)

	if err := worker.Send(env); err != nil {
		return nil, nil, fmt.Errorf("runtime: send to worker: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.WorkerCallTimeout)
	defer cancel()

	resp, err := recv.Recv(callCtx)
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error, nil
	}
	if resp.Success == nil {
		return nil, nil, errors.New("runtime: worker sent neither success nor error")
	}
	return resp.Success, nil, nil
}

// classifyWorkerError maps a worker error code to (terminal, UI error
// type). Non-terminal errors are retried.
func classifyWorkerError(e *types.ErrorPayload) (bool, types.UIErrorType) {
	switch e.Code {
	case "file_not_found":
		return true, types.UIErrorFileNotFound
	case "page_out_of_range":
		return true, types.UIErrorPageOutOfRange
	case "parsing_failed", "parse_failed", "unsupported":
		return true, types.UIErrorParsingFailed
	case "memory_exhausted":
		return true, types.UIErrorMemoryExhausted
	default:
		// Transient (crash, overload, transport): retry.
		return false, ""
	}
}

// populateFromSuccess writes the worker's result into the appropriate
// cache tier. Text results land in L1; rendered images are persisted
// as an Owned artifact and tracked in L2. A tier refusing the block
// (OutOfMemory) is not an error to the caller: the evidence is still
// returned, just not cached.
func (s *Service) populateFromSuccess(req EvidenceRequest, key types.CacheKey, success *types.SuccessPayload) workerOutcome {
	mimeType := metadataString(success.Metadata, "mime_type")
	if mimeType == "" {
		mimeType = "image/png"
	}
	width := metadataInt(success.Metadata, "width")
	height := metadataInt(success.Metadata, "height")

	if strings.HasPrefix(mimeType, "text/") || mimeType == "application/json" {
		block := types.SemanticBlock{
			Key:          key,
			ContentBytes: success.Data,
			BBoxList:     []types.BBox{req.BBox},
			VerifiedFlag: metadataBool(success.Metadata, "verified"),
		}
		if err := s.cache.PutSemantic(block, req.Pinned); err != nil {
			s.logger.Warn("semantic tier refused block", map[string]any{"file_id": key.FileID(), "error": err.Error()})
		}
		return workerOutcome{data: success.Data, mimeType: mimeType, width: width, height: height}
	}

	basename := s.naming.Format(s.cfg.NamingTag, "page", key.PageIndex, time.Now().Unix())
	path := filepath.Join(s.cfg.CacheDir, basename)
	if err := os.WriteFile(path, success.Data, 0o644); err != nil {
		s.logger.Error("write image artifact", map[string]any{"artifact": basename, "error": err.Error()})
		return workerOutcome{data: success.Data, mimeType: mimeType, width: width, height: height}
	}

	block := types.ImageBlock{
		Key:           key,
		ArtifactPath:  basename,
		FileSizeBytes: int64(len(success.Data)),
	}
	if err := s.cache.PutImage(block, req.Pinned); err != nil {
		// The tier would not take it; do not leave an untracked Owned
		// file behind for the Janitor to ghost-sweep later.
		_ = os.Remove(path)
		s.logger.Warn("image tier refused block", map[string]any{"file_id": key.FileID(), "error": err.Error()})
	}
	return workerOutcome{data: success.Data, mimeType: mimeType, width: width, height: height}
}

// warmPage issues a background extraction for a prefetched page. The
// full page is requested at a nominal bbox; errors are swallowed,
// prefetch is best-effort.
func (s *Service) warmPage(ctx context.Context, filePath string, pageIndex, dpi int) {
	fingerprint, err := s.fingerprintFile(filePath)
	if err != nil {
		return
	}
	req := EvidenceRequest{
		FilePath:  filePath,
		PageIndex: pageIndex,
		BBox:      types.BBox{X: 0, Y: 0, W: 0, H: 0, Unit: "page"},
		DPI:       dpi,
	}
	key := types.CacheKey{
		FileFingerprint: fingerprint,
		PageIndex:       pageIndex,
		DPI:             dpi,
		BBoxHash:        types.BBoxHash(req.BBox),
	}
	if _, ok := s.cache.GetSemantic(key); ok {
		return
	}
	if _, ok := s.cache.GetImage(key); ok {
		return
	}
	_ = s.performExtraction(ctx, req, key)
}

// ParseTable requests a structured table parse and, when an archive
// sink is configured, persists the result. The parsed table is returned
// to the caller either way.
func (s *Service) ParseTable(ctx context.Context, filePath string, pageIndex int, hintBBox *types.BBox, confidence float64, language string) (map[string]any, error) {
	fingerprint, err := s.fingerprintFile(filePath)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"file_path":  filePath,
		"page_index": pageIndex,
		"confidence": confidence,
		"language":   language,
	}
	if hintBBox != nil {
		payload["hint_bbox"] = map[string]any{
			"x": hintBBox.X, "y": hintBBox.Y, "w": hintBBox.W, "h": hintBBox.H,
			"unit": hintBBox.Unit,
		}
	}

	success, errPayload, err := s.callWorker(ctx, types.MessageParseTable, payload)
	if err != nil {
		return nil, err
	}
	if errPayload != nil {
		return nil, fmt.Errorf("runtime: parse table: %s: %s", errPayload.Code, errPayload.Message)
	}

	if s.cfg.TableSink != nil && success.TableJSON != nil {
		if err := s.cfg.TableSink.ArchiveTable(ctx, fingerprint, pageIndex, success.TableJSON); err != nil {
			s.logger.Warn("table archive failed", map[string]any{
				"file_fingerprint": fingerprint, "page_index": pageIndex, "error": err.Error(),
			})
		}
	}
	return success.TableJSON, nil
}

// fingerprintFile returns the content hash for path, memoized on
// (size, mtime).
func (s *Service) fingerprintFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("runtime: stat source file: %w", err)
	}

	s.fpMu.Lock()
	if e, ok := s.fingerprints[path]; ok && e.size == info.Size() && e.modTimeUnix == info.ModTime().Unix() {
		s.fpMu.Unlock()
		return e.fingerprint, nil
	}
	s.fpMu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("runtime: open source file: %w", err)
	}
	defer f.Close()

	fp, err := types.FileFingerprint(f)
	if err != nil {
		return "", fmt.Errorf("runtime: fingerprint source file: %w", err)
	}

	s.fpMu.Lock()
	s.fingerprints[path] = fingerprintEntry{
		size:        info.Size(),
		modTimeUnix: info.ModTime().Unix(),
		fingerprint: fp,
	}
	s.fpMu.Unlock()
	return fp, nil
}

// decodeResponse extracts the correlation id and typed payload from an
// inbound worker envelope.
func decodeResponse(env *types.Envelope) (string, router.Response) {
	reqID, _ := env.Payload["req_id"].(string)

	switch env.Type {
	case types.MessageSuccess:
		success := &types.SuccessPayload{RequestID: reqID}
		if data, ok := env.Payload["data"].([]byte); ok {
			success.Data = data
		}
		if table, ok := env.Payload["table_json"].(map[string]any); ok {
			success.TableJSON = table
		}
		if meta, ok := env.Payload["metadata"].(map[string]any); ok {
			success.Metadata = meta
		}
		return reqID, router.Response{Success: success}

	case types.MessageError:
		errPayload := &types.ErrorPayload{RequestID: reqID}
		if code, ok := env.Payload["code"].(string); ok {
			errPayload.Code = code
		}
		if sev, ok := env.Payload["severity"].(string); ok {
			errPayload.Severity = types.ErrorSeverity(sev)
		}
		if msg, ok := env.Payload["message"].(string); ok {
			errPayload.Message = msg
		}
		if details, ok := env.Payload["details"].(map[string]any); ok {
			errPayload.Details = details
		}
		return reqID, router.Response{Error: errPayload}

	case types.MessageProgress:
		progress := &types.ProgressPayload{RequestID: reqID}
		if stage, ok := env.Payload["stage"].(string); ok {
			progress.Stage = stage
		}
		progress.Current = int64(anyToInt(env.Payload["current"]))
		progress.Total = int64(anyToInt(env.Payload["total"]))
		return reqID, router.Response{Progress: progress}
	}
	return reqID, router.Response{}
}

// anyToInt widens the integer shapes msgpack decoding can produce.
func anyToInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func metadataInt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	return anyToInt(m[key])
}

func metadataBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}
