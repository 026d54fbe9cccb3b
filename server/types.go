package server

import (
	"time"

	"github.com/pgherd/pgherd/monitor"
)

// RegisterRequest adds a node to a formation. Group -1 lets the monitor pick
// the group.
type RegisterRequest struct {
	Formation         string `json:"formation"`
	Name              string `json:"name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	GroupID           int    `json:"group_id"`
	CandidatePriority int    `json:"candidate_priority"`
	ReplicationQuorum bool   `json:"replication_quorum"`
}

type RegisterResponse struct {
	NodeID            int64  `json:"node_id"`
	GroupID           int    `json:"group_id"`
	GoalState         string `json:"goal_state"`
	CandidatePriority int    `json:"candidate_priority"`
	ReplicationQuorum bool   `json:"replication_quorum"`
}

// NodeActiveRequest is the periodic keeper report.
type NodeActiveRequest struct {
	Formation     string `json:"formation"`
	NodeID        int64  `json:"node_id"`
	ReportedState string `json:"reported_state"`
	PgIsRunning   bool   `json:"pg_is_running"`
	SyncState     string `json:"sync_state"`
	LSN           string `json:"lsn"`
}

type NodeActiveResponse struct {
	NodeID            int64  `json:"node_id"`
	GroupID           int    `json:"group_id"`
	GoalState         string `json:"goal_state"`
	CandidatePriority int    `json:"candidate_priority"`
	ReplicationQuorum bool   `json:"replication_quorum"`
	SyncStandbyCount  int    `json:"sync_standby_count"`
}

type HealthReportRequest struct {
	Formation string    `json:"formation"`
	NodeID    int64     `json:"node_id"`
	Verdict   string    `json:"verdict"`
	CheckedAt time.Time `json:"checked_at"`
}

type RemoveRequest struct {
	Formation string `json:"formation"`
	NodeID    int64  `json:"node_id"`
}

type ReplicationSettingsRequest struct {
	Formation         string `json:"formation"`
	NodeID            int64  `json:"node_id"`
	CandidatePriority int    `json:"candidate_priority"`
	ReplicationQuorum bool   `json:"replication_quorum"`
}

type FailoverRequest struct {
	Formation string `json:"formation"`
	GroupID   int    `json:"group_id"`
}

type MaintenanceRequest struct {
	Formation string `json:"formation"`
	NodeID    int64  `json:"node_id"`
}

// NodeInfo is the wire shape of a node record for query operations.
type NodeInfo struct {
	Formation         string    `json:"formation"`
	NodeID            int64     `json:"node_id"`
	GroupID           int       `json:"group_id"`
	Name              string    `json:"name"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	GoalState         string    `json:"goal_state"`
	ReportedState     string    `json:"reported_state"`
	ReportTime        time.Time `json:"report_time"`
	PgIsRunning       bool      `json:"pg_is_running"`
	SyncState         string    `json:"sync_state"`
	LSN               string    `json:"lsn"`
	Health            string    `json:"health"`
	HealthCheckTime   time.Time `json:"health_check_time"`
	CandidatePriority int       `json:"candidate_priority"`
	ReplicationQuorum bool      `json:"replication_quorum"`
	WALRegressions    int       `json:"wal_regressions,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func nodeInfo(n *monitor.Node) NodeInfo {
	return NodeInfo{
		Formation:         n.Formation,
		NodeID:            n.ID,
		GroupID:           n.GroupID,
		Name:              n.Name,
		Host:              n.Host,
		Port:              n.Port,
		GoalState:         n.GoalState.String(),
		ReportedState:     n.ReportedState.String(),
		ReportTime:        n.ReportTime,
		PgIsRunning:       n.PgIsRunning,
		SyncState:         n.SyncState.String(),
		LSN:               n.ReportedLSN.String(),
		Health:            n.Health.String(),
		HealthCheckTime:   n.HealthCheckTime,
		CandidatePriority: n.CandidatePriority,
		ReplicationQuorum: n.ReplicationQuorum,
		WALRegressions:    n.WALRegressions,
	}
}
