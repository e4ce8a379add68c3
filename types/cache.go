package types

// SemanticBlock is an L1 cache entry: extracted text/structured content
// for a page, plus the bounding boxes it was derived from.
type SemanticBlock struct {
	Key              CacheKey `msgpack:"key"`
	ContentBytes     []byte   `msgpack:"content_bytes"`
	BBoxList         []BBox   `msgpack:"bbox_list"`
	LastAccessedUnix int64    `msgpack:"last_accessed_unix"`
	VerifiedFlag     bool     `msgpack:"verified_flag"`
}

// sizeConstant is the fixed per-entry overhead added to the byte-size
// formula (struct bookkeeping, map entry, etc.).
const sizeConstant = 64

// Size returns the byte size used for L1 budget accounting:
// len(content) + len(bbox_list)*16 + constant.
func (b SemanticBlock) Size() int64 {
	return int64(len(b.ContentBytes)) + int64(len(b.BBoxList))*16 + sizeConstant
}

// ImageBlock is an L2 cache entry: a rendered page image on disk.
type ImageBlock struct {
	Key              CacheKey `msgpack:"key"`
	ArtifactPath     string   `msgpack:"artifact_path"`
	FileSizeBytes    int64    `msgpack:"file_size_bytes"`
	LastAccessedUnix int64    `msgpack:"last_accessed_unix"`
	AccessCount      int64    `msgpack:"access_count"`
}

// Size returns the byte size used for L2 budget accounting.
func (b ImageBlock) Size() int64 {
	return b.FileSizeBytes
}

// CacheEntry is the Registry's bookkeeping record: a union of a
// SemanticBlock or ImageBlock plus judgment-relevant metadata.
type CacheEntry struct {
	FileID           string
	Semantic         *SemanticBlock
	Image            *ImageBlock
	CreatedUnix      int64
	ViewportDistance float64 // [0,1], 0 = in view
	UserPinned       bool
	AccessCount      int64
	LastAccessedUnix int64
}

// SizeBytes returns the byte size of whichever block this entry wraps.
func (e CacheEntry) SizeBytes() int64 {
	switch {
	case e.Semantic != nil:
		return e.Semantic.Size()
	case e.Image != nil:
		return e.Image.Size()
	default:
		return 0
	}
}
