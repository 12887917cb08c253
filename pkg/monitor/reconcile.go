package monitor

import (
	"fmt"

	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/metrics"
	"dhcp-activity-backend/pkg/reconcile"
)

// Reconcile runs a reconciliation on demand against the committed snapshot; it never
// waits for nor cancels a running poll. When registered is nil the registered entities
// are read from the registry.
func (m *Monitor) Reconcile(registered []string) (reconcile.Plan, error) {
	return m.reconcile(m.store.Snapshot(), registered, "manual")
}

func (m *Monitor) reconcile(snap *devicestore.Snapshot, registered []string, trigger string) (reconcile.Plan, error) {
	entry := m.ID()
	metrics.Reconciliations.WithLabelValues(entry, trigger).Inc()

	if registered == nil && m.registry != nil {
		var err error
		registered, err = m.registry.ListEntityIDs(entry)
		if err != nil {
			return reconcile.Plan{}, fmt.Errorf("failed to list the registered entities: %w", err)
		}
	}

	plan := m.engine.Plan(snap, registered)
	if m.registry == nil {
		return plan, nil
	}

	if len(plan.RemoveEntities) > 0 {
		n, err := m.registry.Delete(plan.RemoveEntities)
		if err != nil {
			return plan, fmt.Errorf("failed to remove orphan entities: %w", err)
		}
		metrics.EntitiesRemoved.WithLabelValues(entry).Add(float64(n))
		m.log.Infof("removed %d orphan entities of %d devices", n, len(plan.ToRemove))
	}
	if len(plan.AddEntities) > 0 {
		if err := m.registry.Register(entry, plan.AddEntities, m.now()); err != nil {
			return plan, fmt.Errorf("failed to register entities: %w", err)
		}
		metrics.EntitiesAdded.WithLabelValues(entry).Add(float64(len(plan.AddEntities)))
	}
	return plan, nil
}
