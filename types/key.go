// Package types holds the Evidence Runtime's shared data model: content
// addresses, cache entries, eviction verdicts, ledger records, and the
// worker RPC message shapes. It has no internal dependencies on other
// Evidence Runtime packages.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"strconv"

	"github.com/twpayne/go-geom"
)

// BBox is an axis-aligned crop rectangle in page coordinates, [x,y,w,h].
type BBox struct {
	X, Y, W, H float64
	// Unit is the coordinate unit ("pt", "px", ...), carried for display
	// only; it does not participate in the content address.
	Unit string
}

// bboxQuantum is the coordinate snap grid used before hashing a BBox.
// Crops within this tolerance address the same cached artifact, so
// floating point jitter from the UI host does not fracture the cache.
const bboxQuantum = 0.5

// quantize snaps a coordinate to the nearest multiple of bboxQuantum.
func quantize(v float64) float64 {
	return float64(int64(v/bboxQuantum+0.5)) * bboxQuantum
}

// BBoxHash computes a stable content address for a crop rectangle by
// quantizing its coordinates into a go-geom bounds value and hashing the
// resulting fixed-point representation. Two BBox values that quantize to
// the same bounds hash identically.
func BBoxHash(b BBox) string {
	bounds := geom.NewBounds(geom.XY)
	bounds.Extend(geom.NewPointFlat(geom.XY, geom.Coord{quantize(b.X), quantize(b.Y)}))
	bounds.Extend(geom.NewPointFlat(geom.XY, geom.Coord{quantize(b.X + b.W), quantize(b.Y + b.H)}))

	h := sha256.New()
	for _, v := range []float64{bounds.Min(0), bounds.Min(1), bounds.Max(0), bounds.Max(1)} {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// FileFingerprint computes a stable SHA256 hash of a source file's bytes,
// reading in 64KiB chunks so large PDFs are never loaded whole into
// memory just to compute a content address.
func FileFingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CacheKey is the content address for a cached artifact. Byte-equal keys
// must address byte-equal artifacts. Two keys sharing
// FileFingerprint+PageIndex may share a rendered pixmap at a different
// crop/DPI.
type CacheKey struct {
	FileFingerprint string `msgpack:"file_fingerprint"`
	PageIndex       int    `msgpack:"page_index"`
	DPI             int    `msgpack:"dpi"`
	BBoxHash        string `msgpack:"bbox_hash"`
}

// FileID renders the key as the single string identity used throughout
// the Registry and as the target of SoftDelete warrants in the Ledger.
// Naming Contract basenames do not contain it.
func (k CacheKey) FileID() string {
	return k.FileFingerprint + ":" + strconv.Itoa(k.PageIndex) + ":" + strconv.Itoa(k.DPI) + ":" + k.BBoxHash
}
