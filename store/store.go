// Package store persists the monitor's node registry in PostgreSQL, so a
// restarted monitor picks its formations back up where it left them.
package store

import (
	"time"

	"github.com/pingcap/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/pgherd/pgherd/monitor"
	"github.com/pgherd/pgherd/state"
)

// NodeRecord is the relational shape of a node under management.
type NodeRecord struct {
	Formation string `gorm:"primaryKey;size:128"`
	NodeID    int64  `gorm:"primaryKey;autoIncrement:false"`
	GroupID   int    `gorm:"index:idx_node_group"`
	Name      string `gorm:"size:256"`
	Host      string `gorm:"size:256"`
	Port      int

	GoalState     string `gorm:"size:32"`
	ReportedState string `gorm:"size:32"`
	ReportTime    time.Time

	PgIsRunning   bool
	SyncState     string `gorm:"size:16"`
	ReportedLSN   uint64
	WALReportTime time.Time

	Health          string `gorm:"size:16"`
	HealthCheckTime time.Time

	StateChangeTime time.Time
	RegisteredTime  time.Time

	CandidatePriority int
	ReplicationQuorum bool
	WALRegressions    int

	UpdatedAt time.Time
}

func (NodeRecord) TableName() string {
	return "pgherd_nodes"
}

// Store implements monitor.Store on top of gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to the given Postgres DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := db.AutoMigrate(&NodeRecord{}); err != nil {
		return nil, errors.Trace(err)
	}

	return &Store{db: db}, nil
}

// Load returns every persisted node record.
func (s *Store) Load() ([]*monitor.Node, error) {
	var records []NodeRecord
	if err := s.db.Find(&records).Error; err != nil {
		return nil, errors.Trace(err)
	}

	nodes := make([]*monitor.Node, 0, len(records))
	for i := range records {
		nodes = append(nodes, recordToNode(&records[i]))
	}
	return nodes, nil
}

// Save upserts one node record. UpdateAll keeps zero values (a false
// pg_is_running must overwrite a true one).
func (s *Store) Save(n *monitor.Node) error {
	rec := nodeToRecord(n)

	return errors.Trace(s.db.
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error)
}

// Delete drops one node record.
func (s *Store) Delete(formation string, nodeID int64) error {
	return errors.Trace(s.db.
		Where("formation = ? AND node_id = ?", formation, nodeID).
		Delete(&NodeRecord{}).Error)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}

func nodeToRecord(n *monitor.Node) *NodeRecord {
	return &NodeRecord{
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
		ReportedLSN:       uint64(n.ReportedLSN),
		WALReportTime:     n.WALReportTime,
		Health:            n.Health.String(),
		HealthCheckTime:   n.HealthCheckTime,
		StateChangeTime:   n.StateChangeTime,
		RegisteredTime:    n.RegisteredTime,
		CandidatePriority: n.CandidatePriority,
		ReplicationQuorum: n.ReplicationQuorum,
		WALRegressions:    n.WALRegressions,
	}
}

func recordToNode(rec *NodeRecord) *monitor.Node {
	return &monitor.Node{
		Formation:         rec.Formation,
		ID:                rec.NodeID,
		GroupID:           rec.GroupID,
		Name:              rec.Name,
		Host:              rec.Host,
		Port:              rec.Port,
		GoalState:         state.ParseState(rec.GoalState),
		ReportedState:     state.ParseState(rec.ReportedState),
		ReportTime:        rec.ReportTime,
		PgIsRunning:       rec.PgIsRunning,
		SyncState:         state.ParseSyncState(rec.SyncState),
		ReportedLSN:       state.LSN(rec.ReportedLSN),
		WALReportTime:     rec.WALReportTime,
		Health:            state.ParseHealth(rec.Health),
		HealthCheckTime:   rec.HealthCheckTime,
		StateChangeTime:   rec.StateChangeTime,
		RegisteredTime:    rec.RegisteredTime,
		CandidatePriority: rec.CandidatePriority,
		ReplicationQuorum: rec.ReplicationQuorum,
		WALRegressions:    rec.WALRegressions,
	}
}
