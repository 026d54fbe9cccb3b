package monitor

import (
	"fmt"
	"time"

	"github.com/pgherd/pgherd/state"
)

// Node is one Postgres instance under management. The reported side is
// written by keeper reports and health checks, the goal side only by the
// state machine. All fields are value types so a copy is a snapshot.
type Node struct {
	Formation string
	ID        int64
	GroupID   int
	Name      string
	Host      string
	Port      int

	GoalState     state.ReplicationState
	ReportedState state.ReplicationState
	ReportTime    time.Time

	PgIsRunning   bool
	SyncState     state.SyncState
	ReportedLSN   state.LSN
	WALReportTime time.Time

	Health          state.NodeHealth
	HealthCheckTime time.Time

	StateChangeTime time.Time
	RegisteredTime  time.Time

	CandidatePriority int
	ReplicationQuorum bool

	// WALRegressions counts reports whose LSN went backwards while the node
	// stayed in the same reported state. The stored LSN is a high-watermark,
	// so the anomaly is flagged without ever rolling progress back.
	WALRegressions int
}

// Addr returns the host:port the node's Postgres listens on.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// IsCurrentState returns whether the node both reports and is assigned the
// given state, i.e. it has converged there.
func (n *Node) IsCurrentState(s state.ReplicationState) bool {
	return n.GoalState == s && n.ReportedState == s
}

// HealthVerdict returns the node's health with staleness applied: a verdict
// older than staleAfter reads back as unknown, never as confirmed health.
func (n *Node) HealthVerdict(now time.Time, staleAfter time.Duration) state.NodeHealth {
	if n.HealthCheckTime.IsZero() || now.Sub(n.HealthCheckTime) > staleAfter {
		return state.HealthUnknown
	}
	return n.Health
}

// Group designates all nodes sharing a (formation, group) pair.
type Group struct {
	Formation string
	GroupID   int
}

func (g Group) String() string {
	return fmt.Sprintf("%s/%d", g.Formation, g.GroupID)
}

// groupAuthority returns the node on the primary track, if any. The state
// machine keeps at most one node there per group.
func groupAuthority(nodes []*Node) *Node {
	for _, n := range nodes {
		if n.GoalState.IsPrimaryTrack() {
			return n
		}
	}
	return nil
}

// groupMaxLSN returns the highest WAL position reported by any node of the
// group.
func groupMaxLSN(nodes []*Node) state.LSN {
	max := state.InvalidLSN
	for _, n := range nodes {
		if n.ReportedLSN.Compare(max) > 0 {
			max = n.ReportedLSN
		}
	}
	return max
}
