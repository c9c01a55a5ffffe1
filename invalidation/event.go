// Package invalidation ripples source-of-record mutations across services
// sharing the cache backend. The owner of a mutation publishes an event
// after the write commits; every subscriber evicts its cached derivatives.
// Delivery is best-effort and at-least-once: events mean "evict", never
// "apply a specific version", so duplicates and reordering are harmless.
package invalidation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/acornlabs/hoard/key"
)

// Well-known mutation reasons. Update and delete evict one identity (plus
// derived variants); flush clears the whole entity type.
const (
	ReasonUpdate = "update"
	ReasonDelete = "delete"
	ReasonFlush  = "flush"
)

// Event is one invalidation notice. Transient: it lives only on the wire.
type Event struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	Identity   string    `json:"identity"`
	Reason     string    `json:"reason"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Channel returns the pub/sub channel carrying events for one entity type.
func Channel(entityType string) string {
	return key.Namespace + ":inv:" + entityType
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("invalidation: bad payload: %w", err)
	}
	if e.EntityType == "" || e.Identity == "" {
		return Event{}, fmt.Errorf("invalidation: event missing entity type or identity")
	}
	return e, nil
}
