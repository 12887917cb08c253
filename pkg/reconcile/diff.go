/*
Package reconcile keeps the monitoring entities exposed for a monitoring entry consistent
with its device store.

The set of entities that should exist is recomputed from every committed snapshot and
diffed against the entities the registry reports as exposed: the entities of devices no
longer in the store (orphans) are removed, the missing ones are added.

Only entity IDs carrying the namespace prefix of the entry are ever considered, and an
entity ID whose device cannot be decoded is never removed.
*/
package reconcile

import (
	"errors"
	"slices"

	"dhcp-activity-backend/pkg/identity"
)

// KeySet is the set of identities currently tracked; *devicestore.Snapshot implements it.
type KeySet interface {
	Has(id identity.DeviceIdentity) bool
}

// Set is a KeySet built from a list of identities.
type Set map[identity.DeviceIdentity]struct{}

func NewSet(ids ...identity.DeviceIdentity) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id identity.DeviceIdentity) bool {
	_, ok := s[id]
	return ok
}

// Result is the outcome of Diff.
type Result struct {
	ToRemove []identity.DeviceIdentity `json:"to_remove"`
	ToKeep   []identity.DeviceIdentity `json:"to_keep"`

	// owned entity IDs whose device could not be decoded; never removed
	Ambiguous []string `json:"ambiguous,omitempty"`

	// registered entity IDs of each device in ToRemove and ToKeep
	entities map[identity.DeviceIdentity][]registeredEntity
}

type registeredEntity struct {
	ID   string
	Kind identity.EntityKind
}

// Diff computes toRemove = registered - current over the entity IDs owned by ns.
// Foreign entity IDs are ignored. Both lists are sorted.
func Diff(current KeySet, registered []string, ns identity.Namespace) Result {
	res := Result{entities: make(map[identity.DeviceIdentity][]registeredEntity)}

	for _, entityID := range registered {
		id, kind, err := ns.ParseEntityID(entityID)
		switch {
		case errors.Is(err, identity.ErrForeignEntity):
			continue
		case err != nil:
			res.Ambiguous = append(res.Ambiguous, entityID)
			continue
		}
		res.entities[id] = append(res.entities[id], registeredEntity{ID: entityID, Kind: kind})
	}

	for id := range res.entities {
		if current.Has(id) {
			res.ToKeep = append(res.ToKeep, id)
		} else {
			res.ToRemove = append(res.ToRemove, id)
		}
	}
	slices.Sort(res.ToRemove)
	slices.Sort(res.ToKeep)
	slices.Sort(res.Ambiguous)
	return res
}
