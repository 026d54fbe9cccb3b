package state

// ReplicationState is the closed vocabulary of states a Postgres node moves
// through while under management. Every node carries two of them at all
// times: the state it last reported, and the goal state the monitor wants it
// to reach next.
type ReplicationState int

const (
	Unknown ReplicationState = iota
	Init
	Single
	WaitPrimary
	Primary
	Draining
	DemoteTimeout
	Demoted
	CatchingUp
	Secondary
	PreparePromotion
	StopReplication
	WaitStandby
	Maintenance
	JoinPrimary
	ApplySettings
	ReportLSN
	FastForward
)

var stateNames = map[ReplicationState]string{
	Unknown:          "unknown",
	Init:             "init",
	Single:           "single",
	WaitPrimary:      "wait_primary",
	Primary:          "primary",
	Draining:         "draining",
	DemoteTimeout:    "demote_timeout",
	Demoted:          "demoted",
	CatchingUp:       "catchingup",
	Secondary:        "secondary",
	PreparePromotion: "prepare_promotion",
	StopReplication:  "stop_replication",
	WaitStandby:      "wait_standby",
	Maintenance:      "maintenance",
	JoinPrimary:      "join_primary",
	ApplySettings:    "apply_settings",
	ReportLSN:        "report_lsn",
	FastForward:      "fast_forward",
}

var statesByName = func() map[string]ReplicationState {
	m := make(map[string]ReplicationState, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

func (s ReplicationState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseState maps a state name back to its value. Anything unrecognized maps
// to Unknown, a malformed report must not take the monitor down.
func ParseState(name string) ReplicationState {
	if s, ok := statesByName[name]; ok {
		return s
	}
	return Unknown
}

// CanTakeWrites returns whether a node in the given state accepts writes,
// i.e. holds primary authority over its group.
func (s ReplicationState) CanTakeWrites() bool {
	switch s {
	case Single, WaitPrimary, Primary, JoinPrimary, ApplySettings:
		return true
	}
	return false
}

// IsPrimaryTrack returns whether the state belongs to the authority side of a
// group: a node in one of these states is the one a failover demotes.
func (s ReplicationState) IsPrimaryTrack() bool {
	switch s {
	case Single, WaitPrimary, Primary, JoinPrimary, ApplySettings,
		Draining, DemoteTimeout:
		return true
	}
	return false
}

// IsStandbyTrack returns whether the state belongs to a node replicating
// from the group's authority, including one mid-promotion.
func (s ReplicationState) IsStandbyTrack() bool {
	switch s {
	case WaitStandby, CatchingUp, Secondary, ReportLSN, FastForward,
		PreparePromotion, StopReplication, Maintenance:
		return true
	}
	return false
}

// goalTransitions is the explicit transition table: for a node whose current
// goal state is the key, the set of goal states the monitor may assign next.
// Assigning the same goal again is always a no-op and not listed.
var goalTransitions = map[ReplicationState][]ReplicationState{
	Unknown: {Init, Single, WaitStandby},
	Init:    {Single, WaitStandby},
	Single:  {WaitPrimary},
	WaitPrimary: {
		Primary, JoinPrimary, Draining, Single,
	},
	Primary: {
		WaitPrimary, JoinPrimary, ApplySettings, Draining, Single,
	},
	JoinPrimary: {
		Primary, WaitPrimary, Draining, Single,
	},
	ApplySettings: {
		Primary, WaitPrimary, Draining, Single,
	},
	Draining:      {DemoteTimeout, Demoted, Single},
	DemoteTimeout: {Demoted, Single},
	Demoted:       {CatchingUp, Single},
	WaitStandby:   {CatchingUp, Single},
	CatchingUp: {
		Secondary, ReportLSN, Maintenance, Single,
	},
	Secondary: {
		CatchingUp, ReportLSN, PreparePromotion, Maintenance, Single,
	},
	ReportLSN: {
		PreparePromotion, FastForward, CatchingUp, Single,
	},
	FastForward: {
		PreparePromotion, ReportLSN, CatchingUp, Single,
	},
	PreparePromotion: {
		StopReplication, ReportLSN, CatchingUp, Single,
	},
	StopReplication: {
		WaitPrimary, CatchingUp, Single,
	},
	Maintenance: {CatchingUp, Single},
}

// CanTransition returns whether the monitor is allowed to move a node's goal
// state from one value to another. The table is the single authority on
// ordering: the state machine refuses any assignment not listed here.
func CanTransition(from, to ReplicationState) bool {
	if from == to {
		return true
	}
	for _, s := range goalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SyncState mirrors pg_stat_replication.sync_state for the standby a report
// describes.
type SyncState int

const (
	SyncUnknown SyncState = iota
	SyncSync
	SyncAsync
	SyncQuorum
	SyncPotential
)

var syncStateNames = map[SyncState]string{
	SyncUnknown:   "unknown",
	SyncSync:      "sync",
	SyncAsync:     "async",
	SyncQuorum:    "quorum",
	SyncPotential: "potential",
}

func (s SyncState) String() string {
	if n, ok := syncStateNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseSyncState(name string) SyncState {
	switch name {
	case "sync":
		return SyncSync
	case "async":
		return SyncAsync
	case "quorum":
		return SyncQuorum
	case "potential":
		return SyncPotential
	}
	return SyncUnknown
}

// NodeHealth is the verdict of the monitor's reachability checks against a
// node. It decays to HealthUnknown when checks cannot run or grow stale.
type NodeHealth int

const (
	HealthUnknown NodeHealth = iota
	HealthGood
	HealthBad
)

func (h NodeHealth) String() string {
	switch h {
	case HealthGood:
		return "healthy"
	case HealthBad:
		return "unhealthy"
	}
	return "unknown"
}

func ParseHealth(name string) NodeHealth {
	switch name {
	case "healthy":
		return HealthGood
	case "unhealthy":
		return HealthBad
	}
	return HealthUnknown
}
