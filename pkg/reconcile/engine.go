package reconcile

import (
	"slices"
	"sync"

	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/logger"
)

// baseKinds are exposed for every tracked device.
var baseKinds = []identity.EntityKind{
	identity.KindTracker,
	identity.KindIPAddress,
	identity.KindMACAddress, // MAC identities only
	identity.KindHostname,
	identity.KindLeaseObtained,
	identity.KindLeaseExpires,
	identity.KindLastSeen,
	identity.KindMinutesSinceSeen,
	identity.KindIsStale,
}

// smartKinds are exposed only when the smart activity analysis is enabled.
var smartKinds = []identity.EntityKind{
	identity.KindActivityScore,
	identity.KindIsActivelyUsed,
	identity.KindActivitySummary,
}

// Plan is the outcome of one reconciliation.
type Plan struct {
	Result

	// Cycle is the snapshot the plan was computed from.
	Cycle uint64 `json:"cycle"`

	// RemoveEntities are the entity IDs to delete: every entity of the devices in
	// ToRemove plus the entities of kept devices whose kind is no longer exposed.
	RemoveEntities []string `json:"remove_entities"`
	AddEntities    []string `json:"add_entities"`
}

// Empty reports whether the plan requires no change.
func (p Plan) Empty() bool {
	return len(p.RemoveEntities) == 0 && len(p.AddEntities) == 0
}

// Engine computes reconciliation plans for one monitoring entry.
// Plan is safe to call from the poll loop and from manual triggers at the same time.
type Engine struct {
	ns  identity.Namespace
	log *logger.CustomLogger

	lock          sync.Mutex
	smartActivity bool
	issuedCycle   uint64
	issued        map[string]struct{} // entity removals already returned for issuedCycle
}

func NewEngine(ns identity.Namespace, smartActivity bool, log *logger.CustomLogger) *Engine {
	return &Engine{
		ns:            ns,
		log:           log,
		smartActivity: smartActivity,
		issued:        make(map[string]struct{}),
	}
}

func (e *Engine) Namespace() identity.Namespace {
	return e.ns
}

// SetSmartActivity changes the set of entity kinds exposed per device.
func (e *Engine) SetSmartActivity(enabled bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.smartActivity = enabled
}

func (e *Engine) kinds() []identity.EntityKind {
	if e.smartActivity {
		return append(slices.Clone(baseKinds), smartKinds...)
	}
	return baseKinds
}

// DesiredEntities returns the entity IDs that should be exposed for the snapshot.
func (e *Engine) DesiredEntities(snap *devicestore.Snapshot) []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.desired(snap, e.kinds())
}

func (e *Engine) desired(snap *devicestore.Snapshot, kinds []identity.EntityKind) []string {
	out := make([]string, 0, snap.Len()*len(kinds))
	for _, id := range snap.Identities() {
		for _, k := range kinds {
			if k == identity.KindMACAddress && !id.IsMAC() {
				continue
			}
			entityID, err := e.ns.EntityID(id, k)
			if err != nil {
				e.log.Warnf("cannot build entity ID for device %s: %s", id, err.Error())
				break
			}
			out = append(out, entityID)
		}
	}
	return out
}

// Plan diffs the entities that should exist for the snapshot against the registered ones.
//
// Removals returned once for a snapshot are not returned again for the same snapshot:
// reconciling twice without a new poll in between yields an empty removal set. If the
// registry still lists them after the next poll, they are planned again.
func (e *Engine) Plan(snap *devicestore.Snapshot, registered []string) Plan {
	e.lock.Lock()
	defer e.lock.Unlock()

	if snap.Cycle() != e.issuedCycle {
		e.issuedCycle = snap.Cycle()
		clear(e.issued)
	}

	kinds := e.kinds()
	plan := Plan{Result: Diff(snap, registered, e.ns), Cycle: snap.Cycle()}
	for _, entityID := range plan.Ambiguous {
		e.log.Warnf("entity %s: cannot decode its device, it will not be removed", entityID)
	}

	removed := make([]identity.DeviceIdentity, 0, len(plan.ToRemove))
	for _, id := range plan.ToRemove {
		pending := false
		for _, ent := range plan.entities[id] {
			if e.issue(ent.ID) {
				plan.RemoveEntities = append(plan.RemoveEntities, ent.ID)
				pending = true
			}
		}
		if pending {
			removed = append(removed, id)
		}
	}
	plan.ToRemove = removed

	for _, id := range plan.ToKeep {
		for _, ent := range plan.entities[id] {
			if !slices.Contains(kinds, ent.Kind) && e.issue(ent.ID) {
				plan.RemoveEntities = append(plan.RemoveEntities, ent.ID)
			}
		}
	}

	reg := make(map[string]struct{}, len(registered))
	for _, entityID := range registered {
		reg[entityID] = struct{}{}
	}
	for _, entityID := range e.desired(snap, kinds) {
		if _, ok := reg[entityID]; !ok {
			plan.AddEntities = append(plan.AddEntities, entityID)
		}
	}

	slices.Sort(plan.RemoveEntities)
	if len(plan.RemoveEntities) > 0 {
		e.log.Infof("reconciliation of cycle %d: %d devices and %d entities to remove, %d entities to add",
			plan.Cycle, len(plan.ToRemove), len(plan.RemoveEntities), len(plan.AddEntities))
	}
	return plan
}

// issue records the removal of an entity and reports whether it was not issued before
// for the current cycle.
func (e *Engine) issue(entityID string) bool {
	if _, done := e.issued[entityID]; done {
		return false
	}
	e.issued[entityID] = struct{}{}
	return true
}
