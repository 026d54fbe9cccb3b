package monitor

import (
	"time"

	"github.com/pingcap/check"

	"github.com/pgherd/pgherd/state"
)

type smSuite struct {
	now time.Time
}

var _ = check.Suite(&smSuite{})

func (s *smSuite) SetUpTest(c *check.C) {
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *smSuite) machine(policy Policy) *StateMachine {
	m := NewStateMachine(policy)
	m.clock = func() time.Time { return s.now }
	m.startedAt = s.now.Add(-time.Hour)
	return m
}

func (s *smSuite) group() Group {
	return Group{Formation: "default", GroupID: 0}
}

func (s *smSuite) node(id int64, name string, goal state.ReplicationState) *Node {
	return &Node{
		Formation:         "default",
		ID:                id,
		Name:              name,
		GoalState:         goal,
		ReportedState:     goal,
		ReportTime:        s.now,
		StateChangeTime:   s.now,
		PgIsRunning:       true,
		Health:            state.HealthGood,
		HealthCheckTime:   s.now,
		CandidatePriority: 50,
		ReplicationQuorum: true,
	}
}

func (s *smSuite) dead(n *Node, policy Policy) *Node {
	n.PgIsRunning = false
	n.ReportTime = s.now.Add(-2 * policy.UnhealthyTimeout)
	n.Health = state.HealthBad
	return n
}

func goals(asgs []Assignment) map[int64]state.ReplicationState {
	m := make(map[int64]state.ReplicationState, len(asgs))
	for _, a := range asgs {
		m[a.NodeID] = a.Goal
	}
	return m
}

func (s *smSuite) TestLoneNodeBecomesSingle(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)

	n := s.node(1, "a", state.WaitStandby)
	asgs := m.Proceed(s.group(), []*Node{n})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(asgs[0].Goal, check.Equals, state.Single)

	n.GoalState = state.Single
	n.ReportedState = state.Single
	c.Assert(m.Proceed(s.group(), []*Node{n}), check.HasLen, 0)
}

func (s *smSuite) TestConvergedGroupIsStable(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)

	nodes := []*Node{
		s.node(1, "a", state.Primary),
		s.node(2, "b", state.Secondary),
		s.node(3, "d", state.Secondary),
	}

	c.Assert(m.Proceed(s.group(), nodes), check.HasLen, 0)
	c.Assert(m.Proceed(s.group(), nodes), check.HasLen, 0)
}

func (s *smSuite) TestFailoverStartsWithDrainAndReportLSN(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.dead(s.node(1, "a", state.Primary), policy)
	primary.ReportedLSN = 0x3000
	b := s.node(2, "b", state.Secondary)
	b.ReportedLSN = 0x3000
	d := s.node(3, "d", state.Secondary)
	d.ReportedLSN = 0x3000

	asgs := m.Proceed(g, []*Node{primary, b, d})
	got := goals(asgs)
	c.Assert(got[1], check.Equals, state.Draining)
	c.Assert(got[2], check.Equals, state.ReportLSN)
	c.Assert(got[3], check.Equals, state.ReportLSN)
	c.Assert(m.election(g), check.NotNil)
}

func (s *smSuite) TestNoFailoverFromWaitPrimary(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)

	// without synchronous replication no standby is guaranteed complete
	primary := s.dead(s.node(1, "a", state.WaitPrimary), policy)
	b := s.node(2, "b", state.CatchingUp)

	c.Assert(m.Proceed(s.group(), []*Node{primary, b}), check.HasLen, 0)
}

func (s *smSuite) TestNoFailoverWithoutCandidate(c *check.C) {
	policy := DefaultPolicy()
	policy.PromoteLag = 0
	m := s.machine(policy)
	g := s.group()

	primary := s.dead(s.node(1, "a", state.Primary), policy)
	primary.ReportedLSN = 0x5000

	// the only standby is behind and the lag budget is zero
	b := s.node(2, "b", state.Secondary)
	b.ReportedLSN = 0x3000
	d := s.node(3, "d", state.Secondary)
	d.ReportedLSN = 0x5000
	d.Health = state.HealthBad

	c.Assert(m.Proceed(g, []*Node{primary, b, d}), check.HasLen, 0)
	c.Assert(m.NoCandidate(g), check.IsTrue)
	c.Assert(m.election(g), check.IsNil)
}

func (s *smSuite) TestElectionPromotesMostAdvanced(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.dead(s.node(1, "a", state.Primary), policy)
	primary.GoalState = state.Draining

	b := s.node(2, "b", state.ReportLSN)
	b.ReportedLSN = 0x3000
	d := s.node(3, "d", state.ReportLSN)
	d.ReportedLSN = 0x5000

	m.setElection(g, &election{startedAt: s.now, excluded: make(map[int64]bool)})

	asgs := m.Proceed(g, []*Node{primary, b, d})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(asgs[0].NodeID, check.Equals, int64(3))
	c.Assert(asgs[0].Goal, check.Equals, state.PreparePromotion)
}

func (s *smSuite) TestElectionWaitsForReports(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.dead(s.node(1, "a", state.Primary), policy)
	primary.GoalState = state.Draining

	b := s.node(2, "b", state.ReportLSN)
	b.ReportedLSN = 0x3000
	d := s.node(3, "d", state.Secondary)
	d.GoalState = state.ReportLSN
	d.ReportedLSN = 0x5000

	m.setElection(g, &election{startedAt: s.now, excluded: make(map[int64]bool)})

	// d has not confirmed report_lsn yet, the election holds
	c.Assert(m.Proceed(g, []*Node{primary, b, d}), check.HasLen, 0)

	// until the election timeout expires, then it elects with what it has
	s.now = s.now.Add(policy.ElectionTimeout + time.Second)
	b.ReportTime = s.now
	b.HealthCheckTime = s.now
	asgs := m.Proceed(g, []*Node{primary, b, d})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(asgs[0].NodeID, check.Equals, int64(2))
}

func (s *smSuite) TestElectionFastForwardsLaggingWinner(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	// b wins on priority but d saw more WAL
	b := s.node(2, "b", state.ReportLSN)
	b.CandidatePriority = 100
	b.ReportedLSN = 0x3000
	d := s.node(3, "d", state.ReportLSN)
	d.ReportedLSN = 0x4000

	m.setElection(g, &election{startedAt: s.now, excluded: make(map[int64]bool)})

	asgs := m.Proceed(g, []*Node{b, d})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(asgs[0].NodeID, check.Equals, int64(2))
	c.Assert(asgs[0].Goal, check.Equals, state.FastForward)

	// once caught up the promotion proceeds
	b.GoalState = state.FastForward
	b.ReportedState = state.FastForward
	b.ReportedLSN = 0x4000
	asgs = m.Proceed(g, []*Node{b, d})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(asgs[0].Goal, check.Equals, state.PreparePromotion)
}

func (s *smSuite) TestPromotionWalksThroughStopReplication(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.dead(s.node(1, "a", state.Primary), policy)
	primary.GoalState = state.Draining
	cand := s.node(2, "b", state.PreparePromotion)

	m.setElection(g, &election{
		startedAt:      s.now,
		candidateID:    2,
		candidateSince: s.now,
		excluded:       make(map[int64]bool),
	})

	asgs := m.Proceed(g, []*Node{primary, cand})
	got := goals(asgs)
	c.Assert(got[2], check.Equals, state.StopReplication)
	c.Assert(got[1], check.Equals, state.DemoteTimeout)

	// the candidate confirmed stop_replication but the old primary has not
	// confirmed its demotion and the drain window is still open
	cand.GoalState = state.StopReplication
	cand.ReportedState = state.StopReplication
	primary.GoalState = state.DemoteTimeout
	primary.ReportedState = state.Draining
	c.Assert(m.Proceed(g, []*Node{primary, cand}), check.HasLen, 0)

	// old primary confirms, promotion completes
	primary.ReportedState = state.DemoteTimeout
	asgs = m.Proceed(g, []*Node{primary, cand})
	got = goals(asgs)
	c.Assert(got[2], check.Equals, state.WaitPrimary)
	c.Assert(got[1], check.Equals, state.Demoted)
	c.Assert(m.election(g), check.IsNil)
}

func (s *smSuite) TestPromotionProceedsWhenDrainExpires(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	// the old primary is gone for good and never confirms anything
	primary := s.dead(s.node(1, "a", state.Primary), policy)
	primary.GoalState = state.DemoteTimeout
	primary.ReportedState = state.Primary
	primary.StateChangeTime = s.now.Add(-policy.DrainTimeout - time.Second)

	cand := s.node(2, "b", state.StopReplication)

	m.setElection(g, &election{
		startedAt:      s.now,
		candidateID:    2,
		candidateSince: s.now,
		excluded:       make(map[int64]bool),
	})

	asgs := m.Proceed(g, []*Node{primary, cand})
	got := goals(asgs)
	c.Assert(got[2], check.Equals, state.WaitPrimary)
	c.Assert(got[1], check.Equals, state.Demoted)
}

func (s *smSuite) TestStalledCandidateAbandoned(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	// the candidate never confirms prepare_promotion
	cand := s.node(2, "b", state.ReportLSN)
	cand.ReportedLSN = 0x3000
	cand.GoalState = state.PreparePromotion
	other := s.node(3, "d", state.ReportLSN)
	other.ReportedLSN = 0x3000

	m.setElection(g, &election{
		startedAt:      s.now,
		candidateID:    2,
		candidateSince: s.now,
		excluded:       make(map[int64]bool),
	})

	c.Assert(m.Proceed(g, []*Node{cand, other}), check.HasLen, 0)

	s.now = s.now.Add(policy.PromotionTimeout + time.Second)
	asgs := m.Proceed(g, []*Node{cand, other})
	c.Assert(goals(asgs)[2], check.Equals, state.ReportLSN)

	e := m.election(g)
	c.Assert(e.candidateID, check.Equals, int64(0))
	c.Assert(e.excluded[2], check.IsTrue)

	// the retry election skips the abandoned node
	cand.GoalState = state.ReportLSN
	cand.ReportTime = s.now
	cand.HealthCheckTime = s.now
	other.ReportTime = s.now
	other.HealthCheckTime = s.now
	asgs = m.Proceed(g, []*Node{cand, other})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(asgs[0].NodeID, check.Equals, int64(3))
	c.Assert(asgs[0].Goal, check.Equals, state.PreparePromotion)
}

func (s *smSuite) TestJoinWalk(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	single := s.node(1, "a", state.Single)
	joiner := s.node(2, "b", state.WaitStandby)
	joiner.ReportedLSN = state.InvalidLSN

	// the primary prepares replication first
	asgs := m.Proceed(g, []*Node{single, joiner})
	c.Assert(goals(asgs)[1], check.Equals, state.WaitPrimary)

	// then the joiner starts catching up
	single.GoalState = state.WaitPrimary
	single.ReportedState = state.WaitPrimary
	asgs = m.Proceed(g, []*Node{single, joiner})
	c.Assert(goals(asgs)[2], check.Equals, state.CatchingUp)

	// caught up close enough: secondary plus synchronous replication
	single.ReportedLSN = 0x5000
	joiner.GoalState = state.CatchingUp
	joiner.ReportedState = state.CatchingUp
	joiner.ReportedLSN = 0x5000
	asgs = m.Proceed(g, []*Node{single, joiner})
	got := goals(asgs)
	c.Assert(got[2], check.Equals, state.Secondary)
	c.Assert(got[1], check.Equals, state.Primary)
}

func (s *smSuite) TestJoinToRunningPrimary(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.node(1, "a", state.Primary)
	existing := s.node(2, "b", state.Secondary)
	joiner := s.node(3, "d", state.WaitStandby)
	joiner.ReportedLSN = state.InvalidLSN

	asgs := m.Proceed(g, []*Node{primary, existing, joiner})
	c.Assert(goals(asgs)[1], check.Equals, state.JoinPrimary)

	primary.GoalState = state.JoinPrimary
	primary.ReportedState = state.JoinPrimary
	asgs = m.Proceed(g, []*Node{primary, existing, joiner})
	c.Assert(goals(asgs)[3], check.Equals, state.CatchingUp)
}

func (s *smSuite) TestUnhealthySecondaryDropsSyncRep(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.node(1, "a", state.Primary)
	b := s.dead(s.node(2, "b", state.Secondary), policy)

	asgs := m.Proceed(g, []*Node{primary, b})
	got := goals(asgs)
	c.Assert(got[2], check.Equals, state.CatchingUp)
	c.Assert(got[1], check.Equals, state.WaitPrimary)
}

func (s *smSuite) TestUnhealthySecondaryKeepsSyncRepWithSurvivor(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	primary := s.node(1, "a", state.Primary)
	b := s.dead(s.node(2, "b", state.Secondary), policy)
	d := s.node(3, "d", state.Secondary)

	asgs := m.Proceed(g, []*Node{primary, b, d})
	got := goals(asgs)
	c.Assert(got[2], check.Equals, state.CatchingUp)
	_, primaryTouched := got[1]
	c.Assert(primaryTouched, check.IsFalse)
}

func (s *smSuite) TestRepointAfterFailover(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	g := s.group()

	newPrimary := s.node(2, "b", state.WaitPrimary)
	straggler := s.node(3, "d", state.ReportLSN)
	demoted := s.node(1, "a", state.Demoted)
	demoted.PgIsRunning = false

	asgs := m.Proceed(g, []*Node{newPrimary, straggler, demoted})
	got := goals(asgs)
	c.Assert(got[3], check.Equals, state.CatchingUp)
	c.Assert(got[1], check.Equals, state.CatchingUp)
}

func (s *smSuite) TestSettingsApplied(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)

	primary := s.node(1, "a", state.ApplySettings)
	b := s.node(2, "b", state.Secondary)

	asgs := m.Proceed(s.group(), []*Node{primary, b})
	c.Assert(asgs, check.HasLen, 1)
	c.Assert(goals(asgs)[1], check.Equals, state.Primary)
}

func (s *smSuite) TestStartupGraceSuppressesDetection(c *check.C) {
	policy := DefaultPolicy()
	m := s.machine(policy)
	m.startedAt = s.now.Add(-policy.StartupGracePeriod / 2)

	primary := s.node(1, "a", state.Primary)
	primary.ReportTime = s.now.Add(-2 * policy.UnhealthyTimeout)
	primary.Health = state.HealthBad
	b := s.node(2, "b", state.Secondary)

	// keeper silence plus failing checks, but we just started
	c.Assert(m.Proceed(s.group(), []*Node{primary, b}), check.HasLen, 0)
}
