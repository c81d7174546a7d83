package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix before the dot.
const (
	ConnectivityReconnected   = "connectivity.reconnected"
	ConnectivityLost          = "connectivity.lost"
	ConnectivityBannerCleared = "connectivity.banner_cleared"

	QueueEnqueued  = "queue.enqueued"
	QueueSynced    = "queue.entry_synced"
	QueueFailed    = "queue.entry_failed"
	QueueDrained   = "queue.drained"
	QueueRetried   = "queue.retried"
	QueueAbandoned = "queue.abandoned"

	CacheStored  = "cache.stored"
	CacheEvicted = "cache.evicted"
	CacheCleared = "cache.cleared"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// EntryRef identifies one queue entry in queue.* payloads.
type EntryRef struct {
	LocalID       string `json:"localId"`
	Kind          string `json:"kind"`
	EntityLocalID string `json:"entityLocalId"`
	ServerID      string `json:"serverId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DrainResult is the payload of queue.drained.
type DrainResult struct {
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Postponed int           `json:"postponed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"durationNs"`
}
