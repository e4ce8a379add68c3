// Package court scores cache entries for eviction: a pure function
// over size, age, viewport distance, and fragmentation, mapped to
// Retain/Monitor/SoftDelete/HardDelete verdicts. The Court persists
// nothing beyond an in-memory judgment log kept for telemetry.
package court

import (
	"sync"

	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/types"
)

// Weights are the Court's scoring weights; must sum to 1.
type Weights struct {
	Size     float64
	Age      float64
	Viewport float64
	Entropy  float64
}

// DefaultWeights weight viewport distance highest: what the user is
// looking at matters more than how big or old an entry is.
var DefaultWeights = Weights{Size: 0.25, Age: 0.25, Viewport: 0.30, Entropy: 0.20}

const (
	minAgeSeconds  = 0
	maxAgeSeconds  = 30 * 86400
	entropyReference = 1000 // configured reference file count
)

// EntropyMetrics carries the fragmentation-risk input to scoring.
type EntropyMetrics struct {
	FileCount int
}

// Court is a pure scorer plus an in-memory judgment log that grows by
// every verdict JudgeAll issues; nothing trims it.
type Court struct {
	weights       Weights
	maxCacheBytes int64

	mu  sync.Mutex
	log []types.EvictionVerdict
}

// New creates a Court with the given weights and overall cache budget
// (used by judge_all's HardDelete rule).
func New(weights Weights, maxCacheBytes int64) *Court {
	return &Court{weights: weights, maxCacheBytes: maxCacheBytes}
}

// CalculateScore computes the weighted eviction score for one entry.
// Deterministic: equal inputs always produce equal scores.
func (c *Court) CalculateScore(e registry.Entry, entropy EntropyMetrics, nowUnix int64) types.EvictionScore {
	sizeRatio := min1(float64(e.SizeBytes) / float64(max64(c.maxCacheBytes, 1)))

	ageSeconds := nowUnix - e.CreatedUnix
	var ageFactor float64
	if ageSeconds > minAgeSeconds {
		ageFactor = min1(float64(ageSeconds) / float64(maxAgeSeconds))
	}

	viewport := min1(e.ViewportDistance)

	ref := entropyReference
	if entropy.FileCount == 0 {
		ref = max(ref, 1)
	}
	entropyFactor := min1(float64(entropy.FileCount) / float64(ref))

	score := c.weights.Size*sizeRatio + c.weights.Age*ageFactor +
		c.weights.Viewport*viewport + c.weights.Entropy*entropyFactor

	return types.EvictionScore{
		FileID:   e.FileID,
		Score:    score,
		Severity: types.SeverityOf(score),
	}
}

// JudgeAll scores every entry and maps each to a verdict: pinned and
// in-view/hot entries are retained outright; Critical severity while
// over budget hard-deletes; High soft-deletes; Medium is monitored.
// Verdicts are appended to the in-memory judgment log.
func (c *Court) JudgeAll(entries []registry.Entry, entropy EntropyMetrics, currentSize, nowUnix int64) []types.EvictionVerdict {
	verdicts := make([]types.EvictionVerdict, 0, len(entries))

	for _, e := range entries {
		score := c.CalculateScore(e, entropy, nowUnix)

		var v types.EvictionVerdict
		switch {
		case e.UserPinned:
			v = verdict(e.FileID, types.ActionRetain, "user pinned", score, nowUnix, true)
		case e.ViewportDistance < 0.1 && e.AccessCount > 5:
			v = verdict(e.FileID, types.ActionRetain, "in-view and frequently accessed", score, nowUnix, true)
		case score.Severity == types.SeverityCritical && currentSize > c.maxCacheBytes:
			v = verdict(e.FileID, types.ActionHardDelete, "critical severity over budget", score, nowUnix, false)
		case score.Severity == types.SeverityHigh || score.Severity == types.SeverityCritical:
			v = verdict(e.FileID, types.ActionSoftDelete, "high severity", score, nowUnix, true)
		case score.Severity == types.SeverityMedium:
			v = verdict(e.FileID, types.ActionMonitor, "medium severity", score, nowUnix, true)
		default:
			v = verdict(e.FileID, types.ActionRetain, "low severity", score, nowUnix, true)
		}

		verdicts = append(verdicts, v)
	}

	c.mu.Lock()
	c.log = append(c.log, verdicts...)
	c.mu.Unlock()

	return verdicts
}

func verdict(fileID string, action types.VerdictAction, reason string, score types.EvictionScore, nowUnix int64, reversible bool) types.EvictionVerdict {
	return types.EvictionVerdict{
		FileID:       fileID,
		Action:       action,
		Reason:       reason,
		Score:        score,
		IssuedAtUnix: nowUnix,
		Reversible:   reversible,
	}
}

// JudgmentLog returns a copy of the accumulated verdict history, for
// telemetry surfaces.
func (c *Court) JudgmentLog() []types.EvictionVerdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.EvictionVerdict, len(c.log))
	copy(out, c.log)
	return out
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
