package monitor

import (
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-log/log"

	"github.com/pgherd/pgherd/state"
)

// Monitor is the failover decision core: it owns the registry, runs the
// state machine on every mutation, and serves as the backend of the RPC
// surface. Constructed at process start, torn down at shutdown.
type Monitor struct {
	policy   Policy
	registry *Registry
	fsm      *StateMachine
	events   *EventLog
	checker  *HealthChecker
}

func New(cfg *Config, store Store) (*Monitor, error) {
	registry, err := NewRegistry(store)
	if err != nil {
		return nil, errors.Trace(err)
	}

	m := &Monitor{
		policy:   cfg.Policy,
		registry: registry,
		fsm:      NewStateMachine(cfg.Policy),
		events:   NewEventLog(cfg.EventLogSize),
	}
	m.checker = NewHealthChecker(cfg.Policy, m)

	return m, nil
}

// Registry exposes read access for query operations.
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Events exposes the operator-visible decision history.
func (m *Monitor) Events() *EventLog {
	return m.events
}

// HealthChecker returns the monitor's prober, so the daemon can run it.
func (m *Monitor) HealthChecker() *HealthChecker {
	return m.checker
}

// Register adds a node and immediately evaluates its group, so the caller
// gets back a goal state that accounts for the new membership.
func (m *Monitor) Register(formation, name, host string, port, groupID,
	priority int, quorum bool) (*Node, error) {
	n, err := m.registry.Register(formation, name, host, port, groupID,
		priority, quorum, m.policy.MaxNodesPerGroup)
	if err != nil {
		return nil, errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}
	m.events.Append(Event{
		Formation:     formation,
		GroupID:       n.GroupID,
		NodeID:        n.ID,
		NodeName:      n.Name,
		ReportedState: n.ReportedState,
		GoalState:     n.GoalState,
		Description:   "node registered with goal state " + n.GoalState.String(),
	})

	if err := m.evaluateGroup(g); err != nil {
		return nil, errors.Trace(err)
	}

	return m.registry.Lookup(formation, n.ID)
}

// NodeActive is the main protocol entry point: apply the keeper's report,
// re-evaluate the group under its lock, and hand back the (possibly new)
// goal state. A caller never observes a report accepted without the decision
// that was computed against it.
func (m *Monitor) NodeActive(formation string, nodeID int64,
	reported state.ReplicationState, pgIsRunning bool,
	syncState state.SyncState, lsn state.LSN) (*Node, error) {
	n, err := m.registry.Lookup(formation, nodeID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}

	var out *Node
	err = m.registry.WithGroupLock(g, func() error {
		prev, err := m.registry.Lookup(formation, nodeID)
		if err != nil {
			return errors.Trace(err)
		}

		updated, err := m.registry.UpdateReportedState(formation, nodeID,
			reported, pgIsRunning, syncState, lsn)
		if err != nil {
			return errors.Trace(err)
		}

		if prev.ReportedState != reported {
			m.events.Append(Event{
				Formation:     formation,
				GroupID:       updated.GroupID,
				NodeID:        updated.ID,
				NodeName:      updated.Name,
				ReportedState: reported,
				GoalState:     updated.GoalState,
				Description:   "node reported new state " + reported.String(),
			})
		}

		if err := m.proceedLocked(g); err != nil {
			return errors.Trace(err)
		}

		out, err = m.registry.Lookup(formation, nodeID)
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return out, nil
}

// ReportHealth records a probe verdict and re-evaluates the node's group.
func (m *Monitor) ReportHealth(formation string, nodeID int64,
	verdict state.NodeHealth, checkedAt time.Time) error {
	n, err := m.registry.Lookup(formation, nodeID)
	if err != nil {
		return errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}

	return m.registry.WithGroupLock(g, func() error {
		if _, err := m.registry.UpdateHealth(formation, nodeID, verdict, checkedAt); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(m.proceedLocked(g))
	})
}

// Remove drops a node and re-evaluates what is left of its group.
func (m *Monitor) Remove(formation string, nodeID int64) error {
	n, err := m.registry.Lookup(formation, nodeID)
	if err != nil {
		return errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}

	return m.registry.WithGroupLock(g, func() error {
		removed, err := m.registry.Remove(formation, nodeID)
		if err != nil {
			return errors.Trace(err)
		}
		m.events.Append(Event{
			Formation:     formation,
			GroupID:       removed.GroupID,
			NodeID:        removed.ID,
			NodeName:      removed.Name,
			ReportedState: removed.ReportedState,
			GoalState:     removed.GoalState,
			Description:   "node removed",
		})
		return errors.Trace(m.proceedLocked(g))
	})
}

// UpdateReplicationSettings changes candidate priority and quorum
// membership, and asks a converged primary to apply the matching
// synchronous_standby_names change.
func (m *Monitor) UpdateReplicationSettings(formation string, nodeID int64,
	priority int, quorum bool) error {
	n, err := m.registry.Lookup(formation, nodeID)
	if err != nil {
		return errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}

	return m.registry.WithGroupLock(g, func() error {
		if _, err := m.registry.UpdateReplicationSettings(formation, nodeID, priority, quorum); err != nil {
			return errors.Trace(err)
		}

		nodes := m.registry.ListGroup(g)
		auth := groupAuthority(nodes)
		if auth != nil && auth.IsCurrentState(state.Primary) {
			if err := m.assign(Assignment{
				NodeID:      auth.ID,
				Goal:        state.ApplySettings,
				Description: "setting goal state of " + auth.Name + " to apply_settings after a replication settings change",
			}, g); err != nil {
				return errors.Trace(err)
			}
		}

		return errors.Trace(m.proceedLocked(g))
	})
}

// PerformFailover starts an operator-initiated failover of a group that has
// a converged primary and at least one eligible standby.
func (m *Monitor) PerformFailover(g Group) error {
	return m.registry.WithGroupLock(g, func() error {
		nodes := m.registry.ListGroup(g)
		if len(nodes) < 2 {
			return errors.Annotate(ErrBadOperation, "group does not have 2 nodes")
		}

		auth := groupAuthority(nodes)
		if auth == nil || auth.ReportedState != auth.GoalState || !auth.GoalState.CanTakeWrites() {
			return errors.Annotate(ErrBadOperation, "there is no converged primary node")
		}

		now := time.Now()
		if _, err := SelectPromotionCandidate(nodes, m.policy, now, nil); err != nil {
			return errors.Trace(err)
		}

		asgs := []Assignment{{
			NodeID:      auth.ID,
			Goal:        state.Draining,
			Description: "setting goal state of " + auth.Name + " to draining after a user-initiated failover",
		}}
		for _, n := range nodes {
			if n.ID == auth.ID || !n.GoalState.IsStandbyTrack() || n.GoalState == state.Maintenance {
				continue
			}
			asgs = append(asgs, Assignment{
				NodeID:      n.ID,
				Goal:        state.ReportLSN,
				Description: "setting goal state of " + n.Name + " to report_lsn to elect a new primary",
			})
		}

		for _, a := range asgs {
			if err := m.assign(a, g); err != nil {
				return errors.Trace(err)
			}
		}

		m.fsm.setElection(g, &election{startedAt: now, excluded: make(map[int64]bool)})
		return nil
	})
}

// StartMaintenance takes a converged secondary out of rotation. The primary
// drops to wait_primary so writes do not block on the missing standby.
func (m *Monitor) StartMaintenance(formation string, nodeID int64) error {
	n, err := m.registry.Lookup(formation, nodeID)
	if err != nil {
		return errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}

	return m.registry.WithGroupLock(g, func() error {
		nodes := m.registry.ListGroup(g)

		var target *Node
		for _, gn := range nodes {
			if gn.ID == nodeID {
				target = gn
			}
		}
		if target == nil {
			return errors.Trace(ErrUnknownNode)
		}
		if target.GoalState == state.Maintenance {
			return errors.Annotate(ErrBadOperation, "node is already in maintenance")
		}
		if !(target.IsCurrentState(state.Secondary) || target.IsCurrentState(state.CatchingUp)) {
			return errors.Annotate(ErrBadOperation, "node is neither secondary nor catchingup")
		}

		auth := groupAuthority(nodes)
		if auth == nil || !(auth.IsCurrentState(state.Primary) || auth.IsCurrentState(state.WaitPrimary)) {
			return errors.Annotate(ErrBadOperation, "group has no converged primary")
		}

		if auth.GoalState != state.WaitPrimary {
			if err := m.assign(Assignment{
				NodeID:      auth.ID,
				Goal:        state.WaitPrimary,
				Description: "setting goal state of " + auth.Name + " to wait_primary while " + target.Name + " is in maintenance",
			}, g); err != nil {
				return errors.Trace(err)
			}
		}

		return errors.Trace(m.assign(Assignment{
			NodeID:      target.ID,
			Goal:        state.Maintenance,
			Description: "setting goal state of " + target.Name + " to maintenance after a user request",
		}, g))
	})
}

// StopMaintenance sends a maintenance node back to catching up.
func (m *Monitor) StopMaintenance(formation string, nodeID int64) error {
	n, err := m.registry.Lookup(formation, nodeID)
	if err != nil {
		return errors.Trace(err)
	}

	g := Group{Formation: formation, GroupID: n.GroupID}

	return m.registry.WithGroupLock(g, func() error {
		target, err := m.registry.Lookup(formation, nodeID)
		if err != nil {
			return errors.Trace(err)
		}
		if !target.IsCurrentState(state.Maintenance) {
			return errors.Annotate(ErrBadOperation, "node is not in maintenance")
		}

		if err := m.assign(Assignment{
			NodeID:      target.ID,
			Goal:        state.CatchingUp,
			Description: "setting goal state of " + target.Name + " to catchingup after maintenance ended",
		}, g); err != nil {
			return errors.Trace(err)
		}

		return errors.Trace(m.proceedLocked(g))
	})
}

// GetPrimary returns the node of the group currently able to take writes.
func (m *Monitor) GetPrimary(g Group) (*Node, error) {
	for _, n := range m.registry.ListGroup(g) {
		if n.ReportedState.CanTakeWrites() {
			return n, nil
		}
	}
	return nil, errors.Trace(ErrNoPrimary)
}

// SyncStandbys returns the synchronous-standby requirement of a group under
// the current durability target.
func (m *Monitor) SyncStandbys(g Group) int {
	return SyncStandbyCount(m.registry.ListGroup(g), m.policy.SyncStandbyTarget)
}

// evaluateGroup re-runs the state machine for a group under its lock.
func (m *Monitor) evaluateGroup(g Group) error {
	return m.registry.WithGroupLock(g, func() error {
		return errors.Trace(m.proceedLocked(g))
	})
}

// proceedLocked runs one state machine step. Callers hold the group lock.
func (m *Monitor) proceedLocked(g Group) error {
	nodes := m.registry.ListGroup(g)

	wasDegraded := m.fsm.NoCandidate(g)
	asgs := m.fsm.Proceed(g, nodes)

	if !wasDegraded && m.fsm.NoCandidate(g) {
		m.events.Append(Event{
			Formation:   g.Formation,
			GroupID:     g.GroupID,
			Description: "no viable promotion candidate, holding the group in its current state",
		})
		log.Errorf("group %s: no viable promotion candidate", g)
	}

	for _, a := range asgs {
		if err := m.assign(a, g); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

func (m *Monitor) assign(a Assignment, g Group) error {
	n, err := m.registry.SetGoalState(g.Formation, a.NodeID, a.Goal)
	if err != nil {
		return errors.Trace(err)
	}

	m.events.Append(Event{
		Formation:     g.Formation,
		GroupID:       g.GroupID,
		NodeID:        n.ID,
		NodeName:      n.Name,
		ReportedState: n.ReportedState,
		GoalState:     a.Goal,
		Description:   a.Description,
	})

	return nil
}
