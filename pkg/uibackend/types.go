package uibackend

import (
	"time"

	"dhcp-activity-backend/pkg/config"
	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/monitor"
	"dhcp-activity-backend/pkg/reconcile"
)

// EntryMonitor is the view of a monitoring entry used by the HTTP handlers;
// *monitor.Monitor implements it.
type EntryMonitor interface {
	ID() string
	Devices() *devicestore.Snapshot
	Status() monitor.Status
	Reconcile(registered []string) (reconcile.Plan, error)
	UpdateOptions(opts config.EntryOptions) error
	Subscribe() (<-chan monitor.Event, func())
}

// DevicesResponse is the body of GET /api/entries/{id}/devices
type DevicesResponse struct {
	Entry   string               `json:"entry"`
	Cycle   uint64               `json:"cycle"`
	TakenAt time.Time            `json:"taken_at"`
	Devices []devicestore.Record `json:"devices"`
}

// ReconcileRequest is the optional body of POST /api/entries/{id}/reconcile.
// Without it the registered entities are read from the tracker DB.
type ReconcileRequest struct {
	Registered []string `json:"registered"`
}

// ReconcileResponse is the body returned by POST /api/entries/{id}/reconcile
type ReconcileResponse struct {
	Entry          string                    `json:"entry"`
	Cycle          uint64                    `json:"cycle"`
	ToRemove       []identity.DeviceIdentity `json:"to_remove"`
	ToKeep         []identity.DeviceIdentity `json:"to_keep"`
	Ambiguous      []string                  `json:"ambiguous"`
	RemoveEntities []string                  `json:"remove_entities"`
	AddEntities    []string                  `json:"add_entities"`
}

// OptionsResponse is the body returned by PUT /api/entries/{id}/options
type OptionsResponse struct {
	Entry    string   `json:"entry"`
	Applied  bool     `json:"applied"` // always false: options take effect at the next poll
	Warnings []string `json:"warnings"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WebSocketMessage is pushed to the websocket clients: the full device tables on
// connection and on every refresh, plus the device set changes as they are committed.
type WebSocketMessage struct {
	Entries []EntryView    `json:"entries,omitempty"`
	Event   *monitor.Event `json:"event,omitempty"`
}

// EntryView is the state of one monitoring entry.
type EntryView struct {
	Status  monitor.Status       `json:"status"`
	Devices []devicestore.Record `json:"devices"`
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
