package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/pgherd/pgherd/state"
)

// Assignment is one goal-state change the state machine wants applied.
type Assignment struct {
	NodeID      int64
	Goal        state.ReplicationState
	Description string
}

// election tracks an in-flight failover for one group. It only exists
// between the moment the old primary is goal-stated to draining and the
// moment the new primary converges to wait_primary. All access happens under
// the group's lock.
type election struct {
	startedAt      time.Time
	candidateID    int64
	candidateSince time.Time
	retries        int
	excluded       map[int64]bool
	degraded       bool
}

// StateMachine computes the next goal states of a group from a consistent
// snapshot of its nodes. It owns no node data: callers hold the group lock,
// pass the snapshot in, and apply the returned assignments atomically with
// it.
type StateMachine struct {
	policy    Policy
	startedAt time.Time
	clock     func() time.Time

	mu          sync.Mutex
	elections   map[Group]*election
	noCandidate map[Group]bool
}

func NewStateMachine(policy Policy) *StateMachine {
	m := &StateMachine{
		policy:      policy,
		clock:       time.Now,
		elections:   make(map[Group]*election),
		noCandidate: make(map[Group]bool),
	}
	m.startedAt = m.clock()
	return m
}

func (m *StateMachine) election(g Group) *election {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.elections[g]
}

func (m *StateMachine) setElection(g Group, e *election) {
	m.mu.Lock()
	if e == nil {
		delete(m.elections, g)
	} else {
		m.elections[g] = e
	}
	m.mu.Unlock()
}

func (m *StateMachine) setNoCandidate(g Group, v bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.noCandidate[g]
	if v {
		m.noCandidate[g] = true
	} else {
		delete(m.noCandidate, g)
	}
	return prev != v
}

// Forget drops any per-group election state, e.g. when the group vanishes.
func (m *StateMachine) Forget(g Group) {
	m.mu.Lock()
	delete(m.elections, g)
	delete(m.noCandidate, g)
	m.mu.Unlock()
}

// isHealthy returns whether the node passed its last (non-stale) health
// check, its keeper reports in time, and Postgres is running. Grounded on
// the same test the failover trigger uses, so eligibility and detection
// agree.
func (m *StateMachine) isHealthy(n *Node) bool {
	now := m.clock()

	if n.HealthVerdict(now, m.policy.HealthStaleAfter) != state.HealthGood {
		return false
	}
	if n.ReportTime.IsZero() || now.Sub(n.ReportTime) > m.policy.UnhealthyTimeout {
		return false
	}
	return n.PgIsRunning
}

// isUnhealthy returns whether the node has been failing for longer than the
// failure-detection window. Not the negation of isHealthy: a node whose
// verdict is stale or merely unknown is neither, and the machine leaves it
// alone.
func (m *StateMachine) isUnhealthy(n *Node) bool {
	now := m.clock()

	// the keeper says so itself
	if !n.ReportTime.IsZero() && !n.PgIsRunning {
		return true
	}

	// keeper silent beyond the window, health checks failing, and we are not
	// inside the startup grace period
	if !n.ReportTime.IsZero() &&
		now.Sub(n.ReportTime) > m.policy.UnhealthyTimeout &&
		n.HealthVerdict(now, m.policy.HealthStaleAfter) == state.HealthBad &&
		now.Sub(m.startedAt) > m.policy.StartupGracePeriod {
		return true
	}

	return false
}

// Proceed evaluates the group snapshot and returns the goal-state changes to
// apply, if any. Re-evaluating a converged group returns nothing. At most
// one rule fires per evaluation; every further step waits for a keeper
// report confirming the previous goal, which keeps each transition
// one-directional.
func (m *StateMachine) Proceed(g Group, nodes []*Node) []Assignment {
	if len(nodes) == 0 {
		m.Forget(g)
		return nil
	}

	// a node alone in its group runs as a standalone primary
	if len(nodes) == 1 {
		m.Forget(g)
		n := nodes[0]
		if n.GoalState != state.Single {
			return []Assignment{{
				NodeID:      n.ID,
				Goal:        state.Single,
				Description: fmt.Sprintf("setting goal state of %s to single as there is no other node", n.Name),
			}}
		}
		return nil
	}

	if e := m.election(g); e != nil {
		return m.proceedElection(g, nodes, e)
	}

	rules := []func(Group, []*Node) []Assignment{
		m.ruleFailover,
		m.ruleSecondaryUnhealthy,
		m.ruleSettingsApplied,
		m.ruleJoin,
		m.ruleCaughtUp,
		m.ruleRepoint,
	}

	for _, rule := range rules {
		if asgs := rule(g, nodes); len(asgs) > 0 {
			return asgs
		}
	}

	return nil
}

// ruleFailover starts a failover when the authority has been unhealthy
// beyond the detection window and at least one standby is eligible. The old
// primary is drained first so it stops taking writes before anyone else is
// allowed to.
func (m *StateMachine) ruleFailover(g Group, nodes []*Node) []Assignment {
	auth := groupAuthority(nodes)
	if auth == nil {
		return nil
	}

	switch auth.GoalState {
	case state.Primary, state.JoinPrimary, state.ApplySettings:
	default:
		// never fail over from wait_primary or single: without synchronous
		// replication in place no standby is guaranteed to hold all
		// acknowledged writes
		return nil
	}

	if !m.isUnhealthy(auth) {
		return nil
	}

	now := m.clock()
	if _, err := SelectPromotionCandidate(nodes, m.policy, now, nil); err != nil {
		// degraded but stable: the primary keeps its goal state, the
		// condition is operator visible, and the next healthy report
		// re-evaluates
		m.setNoCandidate(g, true)
		return nil
	}
	m.setNoCandidate(g, false)

	asgs := []Assignment{{
		NodeID:      auth.ID,
		Goal:        state.Draining,
		Description: fmt.Sprintf("setting goal state of %s to draining after it became unhealthy", auth.Name),
	}}

	for _, n := range nodes {
		if n.ID == auth.ID || !n.GoalState.IsStandbyTrack() || n.GoalState == state.Maintenance {
			continue
		}
		if m.isHealthy(n) {
			asgs = append(asgs, Assignment{
				NodeID:      n.ID,
				Goal:        state.ReportLSN,
				Description: fmt.Sprintf("setting goal state of %s to report_lsn to elect a new primary", n.Name),
			})
		}
	}

	m.setElection(g, &election{
		startedAt: now,
		excluded:  make(map[int64]bool),
	})

	return asgs
}

// ruleSecondaryUnhealthy drops synchronous replication when every sync
// standby is gone, so the primary keeps accepting writes, and sends the
// failed standbys back to catchingup.
func (m *StateMachine) ruleSecondaryUnhealthy(g Group, nodes []*Node) []Assignment {
	auth := groupAuthority(nodes)
	if auth == nil || !auth.IsCurrentState(state.Primary) {
		return nil
	}

	var asgs []Assignment
	healthySecondaries := 0
	for _, n := range nodes {
		if n.GoalState != state.Secondary {
			continue
		}
		if n.IsCurrentState(state.Secondary) && m.isUnhealthy(n) {
			asgs = append(asgs, Assignment{
				NodeID:      n.ID,
				Goal:        state.CatchingUp,
				Description: fmt.Sprintf("setting goal state of %s to catchingup after it became unhealthy", n.Name),
			})
		} else {
			healthySecondaries++
		}
	}

	if len(asgs) > 0 && healthySecondaries == 0 {
		asgs = append(asgs, Assignment{
			NodeID:      auth.ID,
			Goal:        state.WaitPrimary,
			Description: fmt.Sprintf("setting goal state of %s to wait_primary to disable synchronous replication and keep writes available", auth.Name),
		})
	}

	return asgs
}

// ruleSettingsApplied returns the authority to primary once it confirmed a
// replication-settings change.
func (m *StateMachine) ruleSettingsApplied(g Group, nodes []*Node) []Assignment {
	auth := groupAuthority(nodes)
	if auth == nil || !auth.IsCurrentState(state.ApplySettings) {
		return nil
	}

	return []Assignment{{
		NodeID:      auth.ID,
		Goal:        state.Primary,
		Description: fmt.Sprintf("setting goal state of %s back to primary after it applied the new replication settings", auth.Name),
	}}
}

// ruleJoin walks a new standby into the group: the authority first prepares
// replication (wait_primary or join_primary), then the joiner starts
// catching up.
func (m *StateMachine) ruleJoin(g Group, nodes []*Node) []Assignment {
	auth := groupAuthority(nodes)
	if auth == nil {
		return nil
	}

	var joiner *Node
	for _, n := range nodes {
		if n.GoalState == state.WaitStandby && n.ReportedState == state.WaitStandby {
			joiner = n
			break
		}
	}
	if joiner == nil {
		return nil
	}

	switch {
	case auth.IsCurrentState(state.Single):
		return []Assignment{{
			NodeID:      auth.ID,
			Goal:        state.WaitPrimary,
			Description: fmt.Sprintf("setting goal state of %s to wait_primary after %s joined", auth.Name, joiner.Name),
		}}

	case auth.IsCurrentState(state.Primary):
		return []Assignment{{
			NodeID:      auth.ID,
			Goal:        state.JoinPrimary,
			Description: fmt.Sprintf("setting goal state of %s to join_primary to prepare replication for %s", auth.Name, joiner.Name),
		}}

	case auth.IsCurrentState(state.WaitPrimary) || auth.IsCurrentState(state.JoinPrimary):
		return []Assignment{{
			NodeID:      joiner.ID,
			Goal:        state.CatchingUp,
			Description: fmt.Sprintf("setting goal state of %s to catchingup after %s converged to %s", joiner.Name, auth.Name, auth.GoalState),
		}}
	}

	return nil
}

// ruleCaughtUp promotes a catching-up standby to secondary once it is close
// enough to the authority's WAL position, and enables synchronous
// replication on the authority at the same step.
func (m *StateMachine) ruleCaughtUp(g Group, nodes []*Node) []Assignment {
	auth := groupAuthority(nodes)
	if auth == nil {
		return nil
	}

	switch auth.GoalState {
	case state.WaitPrimary, state.JoinPrimary, state.Primary:
	default:
		return nil
	}
	if auth.ReportedState != auth.GoalState {
		return nil
	}

	for _, n := range nodes {
		if !n.IsCurrentState(state.CatchingUp) {
			continue
		}
		if !m.isHealthy(n) {
			continue
		}
		if !n.ReportedLSN.DiffWithin(auth.ReportedLSN, m.policy.EnableSyncLag) {
			continue
		}

		asgs := []Assignment{{
			NodeID:      n.ID,
			Goal:        state.Secondary,
			Description: fmt.Sprintf("setting goal state of %s to secondary after it caught up with %s", n.Name, auth.Name),
		}}

		if auth.GoalState != state.Primary {
			asgs = append(asgs, Assignment{
				NodeID:      auth.ID,
				Goal:        state.Primary,
				Description: fmt.Sprintf("setting goal state of %s to primary to enable synchronous replication", auth.Name),
			})
		}

		return asgs
	}

	return nil
}

// ruleRepoint sends stragglers of a finished failover after the new
// authority: nodes still in report_lsn re-point their replication, a demoted
// old primary rejoins as a standby.
func (m *StateMachine) ruleRepoint(g Group, nodes []*Node) []Assignment {
	auth := groupAuthority(nodes)
	if auth == nil || auth.ReportedState != auth.GoalState {
		return nil
	}

	switch auth.GoalState {
	case state.WaitPrimary, state.Primary:
	default:
		return nil
	}

	var asgs []Assignment
	for _, n := range nodes {
		if n.ID == auth.ID {
			continue
		}
		switch {
		case n.GoalState == state.ReportLSN:
			asgs = append(asgs, Assignment{
				NodeID:      n.ID,
				Goal:        state.CatchingUp,
				Description: fmt.Sprintf("setting goal state of %s to catchingup to follow the new primary %s", n.Name, auth.Name),
			})
		case n.IsCurrentState(state.Demoted):
			asgs = append(asgs, Assignment{
				NodeID:      n.ID,
				Goal:        state.CatchingUp,
				Description: fmt.Sprintf("setting goal state of %s to catchingup to rejoin as a standby of %s", n.Name, auth.Name),
			})
		}
	}

	return asgs
}

// proceedElection drives an in-flight failover one confirmed step at a time:
// collect WAL positions, pick the candidate, fast-forward it if a peer saw
// more WAL, then walk it through prepare_promotion, stop_replication and
// wait_primary while the old primary drains and demotes.
func (m *StateMachine) proceedElection(g Group, nodes []*Node, e *election) []Assignment {
	now := m.clock()

	var oldPrimary *Node
	for _, n := range nodes {
		if n.GoalState == state.Draining || n.GoalState == state.DemoteTimeout {
			oldPrimary = n
			break
		}
	}

	if e.candidateID != 0 {
		var cand *Node
		for _, n := range nodes {
			if n.ID == e.candidateID {
				cand = n
				break
			}
		}
		if cand == nil {
			// candidate was removed mid-promotion
			return m.abandonCandidate(g, nodes, e, nil)
		}

		if cand.ReportedState != cand.GoalState &&
			now.Sub(e.candidateSince) > m.policy.PromotionTimeout {
			return m.abandonCandidate(g, nodes, e, cand)
		}

		switch {
		case cand.IsCurrentState(state.FastForward):
			if cand.ReportedLSN.Compare(m.electionMaxLSN(nodes)) >= 0 {
				e.candidateSince = now
				return []Assignment{{
					NodeID:      cand.ID,
					Goal:        state.PreparePromotion,
					Description: fmt.Sprintf("setting goal state of %s to prepare_promotion after it fast-forwarded to the most recent WAL", cand.Name),
				}}
			}
			if now.Sub(e.candidateSince) > m.policy.PromotionTimeout {
				// fast-forward is not making progress, the WAL source is
				// probably gone
				return m.abandonCandidate(g, nodes, e, cand)
			}

		case cand.IsCurrentState(state.PreparePromotion):
			e.candidateSince = now
			asgs := []Assignment{{
				NodeID:      cand.ID,
				Goal:        state.StopReplication,
				Description: fmt.Sprintf("setting goal state of %s to stop_replication to finish the promotion", cand.Name),
			}}
			if oldPrimary != nil && oldPrimary.GoalState == state.Draining {
				asgs = append(asgs, Assignment{
					NodeID:      oldPrimary.ID,
					Goal:        state.DemoteTimeout,
					Description: fmt.Sprintf("setting goal state of %s to demote_timeout while %s takes over", oldPrimary.Name, cand.Name),
				})
			}
			return asgs

		case cand.IsCurrentState(state.StopReplication):
			if oldPrimary != nil &&
				oldPrimary.ReportedState != state.DemoteTimeout &&
				oldPrimary.ReportedState != state.Demoted &&
				!m.drainExpired(oldPrimary) {
				// wait for the possibly-alive primary to confirm it stopped,
				// or for the drain timeout to expire
				return nil
			}

			asgs := []Assignment{{
				NodeID:      cand.ID,
				Goal:        state.WaitPrimary,
				Description: fmt.Sprintf("setting goal state of %s to wait_primary: promotion complete", cand.Name),
			}}
			if oldPrimary != nil {
				asgs = append(asgs, Assignment{
					NodeID:      oldPrimary.ID,
					Goal:        state.Demoted,
					Description: fmt.Sprintf("setting goal state of %s to demoted, it is presumed dead or drained", oldPrimary.Name),
				})
			}

			// the remaining re-pointing is ordinary convergence
			m.setElection(g, nil)
			return asgs
		}

		// candidate still converging toward its current goal
		return nil
	}

	// no candidate yet: wait for WAL position reports, then elect
	waiting := 0
	for _, n := range nodes {
		if n.GoalState == state.ReportLSN && n.ReportedState != state.ReportLSN {
			waiting++
		}
	}
	if waiting > 0 && now.Sub(e.startedAt) <= m.policy.ElectionTimeout {
		return nil
	}

	participants := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n.IsCurrentState(state.ReportLSN) {
			participants = append(participants, n)
		}
	}

	cand, err := SelectPromotionCandidate(participants, m.policy, now, e.excluded)
	if err != nil {
		if now.Sub(e.startedAt) > m.policy.ElectionTimeout {
			m.setNoCandidate(g, true)
		}
		return nil
	}
	m.setNoCandidate(g, false)

	e.candidateID = cand.ID
	e.candidateSince = now
	e.degraded = false

	if cand.ReportedLSN.Compare(m.electionMaxLSN(nodes)) >= 0 {
		return []Assignment{{
			NodeID:      cand.ID,
			Goal:        state.PreparePromotion,
			Description: fmt.Sprintf("setting goal state of %s to prepare_promotion, it was elected as the new primary", cand.Name),
		}}
	}

	return []Assignment{{
		NodeID:      cand.ID,
		Goal:        state.FastForward,
		Description: fmt.Sprintf("setting goal state of %s to fast_forward, it was elected but a peer holds more recent WAL", cand.Name),
	}}
}

// electionMaxLSN is the high-watermark among the election's standby
// participants. The old primary's position is excluded: it may hold WAL that
// was never acknowledged to any standby and will be discarded at demotion.
func (m *StateMachine) electionMaxLSN(nodes []*Node) state.LSN {
	max := state.InvalidLSN
	for _, n := range nodes {
		if !n.GoalState.IsStandbyTrack() {
			continue
		}
		if n.ReportedLSN.Compare(max) > 0 {
			max = n.ReportedLSN
		}
	}
	return max
}

// abandonCandidate gives up on a stalled candidate and retries the election
// without it, or settles the group into a degraded hold when retries are
// exhausted.
func (m *StateMachine) abandonCandidate(g Group, nodes []*Node, e *election, cand *Node) []Assignment {
	if cand != nil {
		e.excluded[cand.ID] = true
	}
	e.candidateID = 0
	e.candidateSince = time.Time{}
	e.retries++
	e.startedAt = m.clock()

	var asgs []Assignment
	if cand != nil && state.CanTransition(cand.GoalState, state.ReportLSN) {
		asgs = append(asgs, Assignment{
			NodeID:      cand.ID,
			Goal:        state.ReportLSN,
			Description: fmt.Sprintf("abandoning promotion of %s: it did not converge in time", cand.Name),
		})
	}

	if e.retries > m.policy.MaxPromotionRetries {
		e.degraded = true
		m.setNoCandidate(g, true)
	}

	return asgs
}

func (m *StateMachine) drainExpired(n *Node) bool {
	if n == nil || n.GoalState != state.DemoteTimeout {
		return false
	}
	return m.clock().Sub(n.StateChangeTime) > m.policy.DrainTimeout
}

// NoCandidate reports whether the group currently sits in the degraded
// no-viable-candidate hold.
func (m *StateMachine) NoCandidate(g Group) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noCandidate[g]
}
