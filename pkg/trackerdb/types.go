package trackerdb

import (
	"encoding/json"
	"time"
)

// ExposedEntity is one monitoring entity handed out to the consumers.
// The entity might belong to a device that is currently tracked or not; in other words
// this may be an orphan waiting for the next reconciliation.
type ExposedEntity struct {
	EntityID     string
	Entry        string
	RegisteredAt time.Time
	LastSeen     time.Time // last reconciliation that found the entity desired
}

// MarshalJSON customizes the JSON serialization for ExposedEntity
func (e ExposedEntity) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		EntityID     string `json:"entity_id"`
		Entry        string `json:"entry"`
		RegisteredAt int64  `json:"registered_at"`
		LastSeen     int64  `json:"last_seen"`
	}{
		EntityID:     e.EntityID,
		Entry:        e.Entry,
		RegisteredAt: e.RegisteredAt.Unix(),
		LastSeen:     e.LastSeen.Unix(),
	})
}
