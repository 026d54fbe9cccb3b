package monitor

import (
	"time"

	"github.com/pingcap/check"
	"github.com/pingcap/errors"

	"github.com/pgherd/pgherd/state"
)

type monitorSuite struct{}

var _ = check.Suite(&monitorSuite{})

func (s *monitorSuite) newMonitor(c *check.C) *Monitor {
	m, err := New(NewDefaultConfig(), nil)
	c.Assert(err, check.IsNil)
	return m
}

// report drives one node-active round and returns the assigned goal.
func (s *monitorSuite) report(c *check.C, m *Monitor, id int64,
	reported state.ReplicationState, lsn state.LSN) state.ReplicationState {
	n, err := m.NodeActive("default", id, reported, true, state.SyncUnknown, lsn)
	c.Assert(err, check.IsNil)
	return n.GoalState
}

func (s *monitorSuite) healthy(c *check.C, m *Monitor, ids ...int64) {
	for _, id := range ids {
		c.Assert(m.ReportHealth("default", id, state.HealthGood, time.Now()), check.IsNil)
	}
}

func (s *monitorSuite) TestBootstrapAndJoin(c *check.C) {
	m := s.newMonitor(c)

	a, err := m.Register("default", "a", "10.0.0.1", 5432, -1, 50, true)
	c.Assert(err, check.IsNil)
	c.Assert(a.GoalState, check.Equals, state.Single)

	c.Assert(s.report(c, m, a.ID, state.Single, 0x1000), check.Equals, state.Single)

	b, err := m.Register("default", "b", "10.0.0.2", 5432, -1, 50, true)
	c.Assert(err, check.IsNil)
	c.Assert(b.GoalState, check.Equals, state.WaitStandby)

	s.healthy(c, m, a.ID, b.ID)

	// the joiner confirming wait_standby makes the primary prepare
	// replication
	c.Assert(s.report(c, m, b.ID, state.WaitStandby, state.InvalidLSN), check.Equals, state.WaitStandby)
	n, err := m.Registry().Lookup("default", a.ID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.WaitPrimary)

	// primary confirms, the joiner starts catching up
	c.Assert(s.report(c, m, a.ID, state.WaitPrimary, 0x1000), check.Equals, state.WaitPrimary)
	n, err = m.Registry().Lookup("default", b.ID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.CatchingUp)

	// caught up: the standby becomes secondary and the primary turns on
	// synchronous replication
	c.Assert(s.report(c, m, b.ID, state.CatchingUp, 0x1000), check.Equals, state.Secondary)
	n, err = m.Registry().Lookup("default", a.ID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.Primary)

	c.Assert(s.report(c, m, a.ID, state.Primary, 0x1000), check.Equals, state.Primary)
	c.Assert(s.report(c, m, b.ID, state.Secondary, 0x1000), check.Equals, state.Secondary)

	g := Group{Formation: "default", GroupID: 0}
	primary, err := m.GetPrimary(g)
	c.Assert(err, check.IsNil)
	c.Assert(primary.ID, check.Equals, a.ID)
	c.Assert(m.SyncStandbys(g), check.Equals, 1)
}

func (s *monitorSuite) converge(c *check.C, m *Monitor) (int64, int64) {
	a, err := m.Register("default", "a", "10.0.0.1", 5432, -1, 50, true)
	c.Assert(err, check.IsNil)
	b, err := m.Register("default", "b", "10.0.0.2", 5432, -1, 50, true)
	c.Assert(err, check.IsNil)

	s.healthy(c, m, a.ID, b.ID)
	s.report(c, m, a.ID, state.Single, 0x1000)
	s.report(c, m, b.ID, state.WaitStandby, state.InvalidLSN)
	s.report(c, m, a.ID, state.WaitPrimary, 0x1000)
	s.report(c, m, b.ID, state.CatchingUp, 0x1000)
	s.report(c, m, a.ID, state.Primary, 0x1000)
	s.report(c, m, b.ID, state.Secondary, 0x1000)

	return a.ID, b.ID
}

func (s *monitorSuite) TestManualFailover(c *check.C) {
	m := s.newMonitor(c)
	aID, bID := s.converge(c, m)
	g := Group{Formation: "default", GroupID: 0}

	c.Assert(m.PerformFailover(g), check.IsNil)

	n, err := m.Registry().Lookup("default", aID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.Draining)
	n, err = m.Registry().Lookup("default", bID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.ReportLSN)

	// WAL position reported, the standby is elected
	c.Assert(s.report(c, m, bID, state.ReportLSN, 0x2000), check.Equals, state.PreparePromotion)

	// promotion walks to stop_replication, the old primary to demote_timeout
	c.Assert(s.report(c, m, bID, state.PreparePromotion, 0x2000), check.Equals, state.StopReplication)
	n, err = m.Registry().Lookup("default", aID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.DemoteTimeout)

	// the promotion waits for the old primary to confirm it stopped
	c.Assert(s.report(c, m, bID, state.StopReplication, 0x2000), check.Equals, state.StopReplication)

	c.Assert(s.report(c, m, aID, state.DemoteTimeout, 0x1000), check.Equals, state.Demoted)
	n, err = m.Registry().Lookup("default", bID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.WaitPrimary)

	// new primary converges, the demoted node rejoins as a standby
	c.Assert(s.report(c, m, bID, state.WaitPrimary, 0x2000), check.Equals, state.WaitPrimary)
	c.Assert(s.report(c, m, aID, state.Demoted, 0x1000), check.Equals, state.CatchingUp)

	primary, err := m.GetPrimary(g)
	c.Assert(err, check.IsNil)
	c.Assert(primary.ID, check.Equals, bID)
}

func (s *monitorSuite) TestFailoverNeedsConvergedPrimary(c *check.C) {
	m := s.newMonitor(c)
	g := Group{Formation: "default", GroupID: 0}

	_, err := m.Register("default", "a", "10.0.0.1", 5432, -1, 50, true)
	c.Assert(err, check.IsNil)

	// one node alone cannot fail over
	c.Assert(errors.Cause(m.PerformFailover(g)), check.Equals, ErrBadOperation)

	_, err = m.Register("default", "b", "10.0.0.2", 5432, -1, 50, true)
	c.Assert(err, check.IsNil)

	// two nodes but nothing converged to primary yet
	c.Assert(errors.Cause(m.PerformFailover(g)), check.Equals, ErrBadOperation)
}

func (s *monitorSuite) TestMaintenance(c *check.C) {
	m := s.newMonitor(c)
	aID, bID := s.converge(c, m)

	// only a converged secondary can enter maintenance
	c.Assert(errors.Cause(m.StartMaintenance("default", aID)), check.Equals, ErrBadOperation)

	c.Assert(m.StartMaintenance("default", bID), check.IsNil)

	n, err := m.Registry().Lookup("default", bID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.Maintenance)
	n, err = m.Registry().Lookup("default", aID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.WaitPrimary)

	c.Assert(errors.Cause(m.StartMaintenance("default", bID)), check.Equals, ErrBadOperation)
	c.Assert(errors.Cause(m.StopMaintenance("default", aID)), check.Equals, ErrBadOperation)

	// back out of maintenance through catchingup
	c.Assert(s.report(c, m, bID, state.Maintenance, 0x1000), check.Equals, state.Maintenance)
	c.Assert(m.StopMaintenance("default", bID), check.IsNil)
	n, err = m.Registry().Lookup("default", bID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.CatchingUp)
}

func (s *monitorSuite) TestReplicationSettingsChange(c *check.C) {
	m := s.newMonitor(c)
	aID, bID := s.converge(c, m)

	c.Assert(m.UpdateReplicationSettings("default", bID, 90, true), check.IsNil)

	n, err := m.Registry().Lookup("default", bID)
	c.Assert(err, check.IsNil)
	c.Assert(n.CandidatePriority, check.Equals, 90)

	// the converged primary is asked to apply the change
	n, err = m.Registry().Lookup("default", aID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.ApplySettings)

	// and returns to primary once it confirms
	c.Assert(s.report(c, m, aID, state.ApplySettings, 0x1000), check.Equals, state.Primary)
}

func (s *monitorSuite) TestRemoveLastStandbyLeavesSingle(c *check.C) {
	m := s.newMonitor(c)
	aID, bID := s.converge(c, m)

	c.Assert(m.Remove("default", bID), check.IsNil)

	n, err := m.Registry().Lookup("default", aID)
	c.Assert(err, check.IsNil)
	c.Assert(n.GoalState, check.Equals, state.Single)

	_, err = m.Registry().Lookup("default", bID)
	c.Assert(errors.Cause(err), check.Equals, ErrUnknownNode)
}

func (s *monitorSuite) TestEventsRecorded(c *check.C) {
	m := s.newMonitor(c)
	s.converge(c, m)

	events := m.Events().Last(0)
	c.Assert(len(events) > 0, check.IsTrue)

	// newest first
	c.Assert(events[0].Time.Before(events[len(events)-1].Time), check.IsFalse)

	seen := make(map[string]bool)
	for _, ev := range events {
		seen[ev.Goal] = true
	}
	c.Assert(seen["primary"], check.IsTrue)
	c.Assert(seen["secondary"], check.IsTrue)
}
