package monitor

import (
	"sort"
	"time"

	"github.com/pingcap/errors"

	"github.com/pgherd/pgherd/state"
)

// SelectPromotionCandidate ranks the group's standbys and picks the
// promotion target. Eligibility requires a healthy, non-stale verdict, a
// reported WAL position within the promote-lag policy of the group's
// high-watermark, and replication-quorum membership when the policy demands
// it. Ranking is candidate priority first, then reported LSN, then lowest
// node id so the choice is deterministic under ties.
//
// Pure function of its snapshot input: no hidden state, no side effects.
func SelectPromotionCandidate(nodes []*Node, policy Policy, now time.Time, excluded map[int64]bool) (*Node, error) {
	maxLSN := groupMaxLSN(nodes)

	var eligible []*Node
	for _, n := range nodes {
		if !n.GoalState.IsStandbyTrack() || n.GoalState == state.Maintenance {
			continue
		}
		if excluded[n.ID] {
			continue
		}
		if n.HealthVerdict(now, policy.HealthStaleAfter) != state.HealthGood {
			continue
		}
		if !n.PgIsRunning {
			continue
		}
		if n.ReportedLSN == state.InvalidLSN {
			continue
		}
		if !n.ReportedLSN.DiffWithin(maxLSN, policy.PromoteLag) {
			continue
		}
		if policy.RequireQuorumCandidate && !n.ReplicationQuorum {
			continue
		}
		eligible = append(eligible, n)
	}

	if len(eligible) == 0 {
		return nil, errors.Trace(ErrNoViableCandidate)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CandidatePriority != b.CandidatePriority {
			return a.CandidatePriority > b.CandidatePriority
		}
		if cmp := a.ReportedLSN.Compare(b.ReportedLSN); cmp != 0 {
			return cmp > 0
		}
		return a.ID < b.ID
	})

	return eligible[0], nil
}

// SyncStandbyCount computes the number of quorum-member standbys that must
// acknowledge a write before it counts as durable. The result is capped at
// one less than the quorum membership so that losing a single member never
// blocks writes where that is avoidable, and is at least one whenever two or
// more members could vote and the target asks for any durability at all.
func SyncStandbyCount(nodes []*Node, target int) int {
	quorum := 0
	for _, n := range nodes {
		if n.GoalState.IsStandbyTrack() && n.ReplicationQuorum {
			quorum++
		}
	}

	if quorum == 0 || target <= 0 {
		return 0
	}

	count := target
	if count > quorum-1 {
		count = quorum - 1
	}
	if count < 1 && quorum >= 2 {
		count = 1
	}
	if count < 0 {
		count = 0
	}
	return count
}
