// Package notify defines the outbound notification boundary.
//
// Notifiers push runtime lifecycle events (health transitions, quiesce
// and purge markers) to downstream observers. The runtime owns notifier
// lifecycle; embedders provide configuration only. Notification is
// optional and disabled by default — the core never depends on a
// notifier being present.
package notify

import (
	"context"

	"github.com/tachfileto/evidenced/types"
)

// EventType discriminates notification payloads.
type EventType string

const (
	EventHealthChanged EventType = "health_changed"
	EventQuiesceEnter  EventType = "quiesce_enter"
	EventQuiesceExit   EventType = "quiesce_exit"
	EventPurgeBegin    EventType = "purge_begin"
	EventPurgeEnd      EventType = "purge_end"
	EventWorkerRestart EventType = "worker_restart"
)

// Event is the payload published for one runtime lifecycle transition.
type Event struct {
	ContractVersion string    `json:"contract_version"`
	EventType       EventType `json:"event_type"`
	Timestamp       string    `json:"timestamp"` // ISO 8601

	// Status is the health classification at event time.
	Status types.HealthStatus `json:"status,omitempty"`

	// Health summary fields, present on health_changed events.
	CacheHitRate  float64 `json:"cache_hit_rate,omitempty"`
	MemoryUsageMB float64 `json:"memory_usage_mb,omitempty"`
	QueueDepth    int     `json:"queue_depth,omitempty"`
	ErrorRate     float64 `json:"error_rate,omitempty"`

	// DeadlineUnix is set on quiesce_enter events.
	DeadlineUnix int64 `json:"deadline_unix,omitempty"`
}

// Notifier publishes runtime lifecycle events to a downstream system.
// Implementations must be safe for concurrent use.
type Notifier interface {
	// Publish sends one event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *Event) error

	// Close releases notifier resources.
	Close() error
}
