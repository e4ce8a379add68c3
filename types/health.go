package types

// HealthStatus is the top-level status reported by get_health().
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// HealthMetrics is the metrics block of a get_health() response.
type HealthMetrics struct {
	TotalRequests    int64
	CacheHitRate     float64
	AvgResponseTimeMs float64
	MemoryUsageMB    float64
	QueueDepth       int
	ErrorRate        float64
}

// Health is the full get_health() response.
type Health struct {
	Status          HealthStatus
	Metrics         HealthMetrics
	Recommendations []string
}

// FileIngestionSource is the narrow interface this runtime needs from the
// peripheral file-ingestion path (validate/normalize/dashboard), named
// but implemented elsewhere. It exists
// only so newly-seen files can be classified before entering the cache;
// it does not implement normalization or dashboarding itself.
type FileIngestionSource interface {
	// Validate reports whether path is a supported, readable document.
	Validate(path string) error
	// Normalize returns a canonical display name for path, used only for
	// UI presentation — never for content addressing.
	Normalize(path string) string
}
