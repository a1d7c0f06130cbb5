package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated namespaces: "conn." for connection state changes,
// "cache." for cache mutations, "message." for delivery lifecycle events.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
