// Embedded worker bundle management.
//
// A default extraction worker is embedded at build time and extracted
// to a temporary directory on first use, so the evidenced binary is
// self-contained without requiring a separate worker installation.
package workerproc

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tachfileto/evidenced/types"
)

//go:embed bundle/worker.mjs
var embeddedWorker []byte

// extractOnce ensures extraction happens only once per process.
var extractOnce sync.Once
var extractedPath string
var extractErr error

// EmbeddedVersion returns the version of the embedded worker.
// Matches types.Version for lockstep validation.
func EmbeddedVersion() string {
	return types.Version
}

// EmbeddedSize returns the size of the embedded worker in bytes.
func EmbeddedSize() int {
	return len(embeddedWorker)
}

// EmbeddedChecksum returns the SHA256 checksum of the embedded worker.
func EmbeddedChecksum() string {
	hash := sha256.Sum256(embeddedWorker)
	return hex.EncodeToString(hash[:])
}

// IsEmbedded returns true if a worker is embedded in this binary.
func IsEmbedded() bool {
	return len(embeddedWorker) > 0
}

// ExtractedPath returns the path to the extracted worker.
// Extracts on first call; subsequent calls return the cached path.
func ExtractedPath() (string, error) {
	extractOnce.Do(func() {
		extractedPath, extractErr = extractWorker()
	})
	return extractedPath, extractErr
}

// extractWorker extracts the embedded worker to a temp directory.
// The directory name embeds version and checksum so multiple installed
// versions can coexist.
func extractWorker() (string, error) {
	if !IsEmbedded() {
		return "", fmt.Errorf("no embedded worker available")
	}

	checksum := EmbeddedChecksum()[:16]
	dirName := fmt.Sprintf("evidenced-worker-%s-%s", types.Version, checksum)
	tempDir := filepath.Join(os.TempDir(), dirName)

	workerPath := filepath.Join(tempDir, "worker.mjs")

	// Already extracted (idempotent).
	if info, err := os.Stat(workerPath); err == nil && info.Size() == int64(len(embeddedWorker)) {
		return workerPath, nil
	}

	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	if err := os.WriteFile(workerPath, embeddedWorker, 0o755); err != nil {
		return "", fmt.Errorf("failed to write worker: %w", err)
	}

	return workerPath, nil
}

// Cleanup removes the extracted worker directory.
// Safe to call multiple times or if extraction never happened.
func Cleanup() error {
	if extractedPath == "" {
		return nil
	}

	dir := filepath.Dir(extractedPath)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to cleanup worker: %w", err)
	}

	return nil
}
