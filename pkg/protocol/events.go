package protocol

// WebSocket event names pushed from server to client, trimmed to the ones
// the gateway actually emits: a periodic health broadcast, and one event
// per mutation the ManagementAPI exposes control over.
const (
	EventHealth    = "health"
	EventCron      = "cron"
	EventHeartbeat = "heartbeat"
	EventModel     = "model"

	// EventCacheInvalidate is internal: published on the bus to tell other
	// in-process consumers a cached read is stale. Never forwarded to WS
	// clients (the server filters it out before broadcasting).
	EventCacheInvalidate = "cache.invalidate"
)
