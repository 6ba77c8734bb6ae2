package stanchion

import "time"

// EventType identifies a pipeline event.
type EventType string

const (
	EventCacheHit           EventType = "cache_hit"
	EventCacheMiss          EventType = "cache_miss"
	EventCacheStore         EventType = "cache_store"
	EventCacheEvicted       EventType = "cache_evicted"
	EventCoalesced          EventType = "coalesced"
	EventRetryScheduled     EventType = "retry_scheduled"
	EventBreakerStateChange EventType = "breaker_state_change"
	EventBreakerRejected    EventType = "breaker_rejected"
	EventRateLimited        EventType = "rate_limited"
	EventRetryBudgetDenied  EventType = "retry_budget_denied"
	EventConnReused         EventType = "conn_reused"
	EventDNSCacheHit        EventType = "dns_cache_hit"
)

// Event describes a single pipeline occurrence. Fields beyond Type and
// Timestamp are populated where they apply.
type Event struct {
	Type      EventType
	Key       string
	Endpoint  string
	Attempt   int
	Delay     time.Duration
	From      CircuitState
	To        CircuitState
	Err       error
	Timestamp time.Time
}

// EventHandler observes pipeline events. Handlers run synchronously on the
// request path and must return quickly; slow work should be handed off.
type EventHandler func(Event)

// emitEvent invokes the handler if one is configured.
func (c *Client) emitEvent(ev Event) {
	if c.eventHandler == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.eventHandler(ev)
}
