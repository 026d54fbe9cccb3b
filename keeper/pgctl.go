package keeper

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-log/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pgherd/pgherd/state"
)

// PgCtl drives a local Postgres instance through pg_ctl and SQL. It is the
// production PostgresController.
type PgCtl struct {
	// BinDir holds the Postgres binaries. Empty resolves them from PATH.
	BinDir string

	// DataDir is the instance's PGDATA.
	DataDir string

	// LocalDSN connects to the local instance for status queries and
	// configuration changes.
	LocalDSN string

	// ReplicationUser authenticates the standby against its upstream.
	ReplicationUser string

	db *gorm.DB
}

func (p *PgCtl) conn() (*gorm.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	db, err := gorm.Open(postgres.Open(p.LocalDSN), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.db = db
	return db, nil
}

func (p *PgCtl) dropConn() {
	if p.db == nil {
		return
	}
	if sqlDB, err := p.db.DB(); err == nil {
		sqlDB.Close()
	}
	p.db = nil
}

func (p *PgCtl) bin(name string) string {
	if p.BinDir == "" {
		return name
	}
	return filepath.Join(p.BinDir, name)
}

func (p *PgCtl) pgCtl(ctx context.Context, args ...string) error {
	args = append([]string{"--pgdata", p.DataDir, "--wait"}, args...)
	cmd := exec.CommandContext(ctx, p.bin("pg_ctl"), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Annotatef(err, "pg_ctl %v: %s", args, out)
	}
	return nil
}

func (p *PgCtl) Status(ctx context.Context) (PostgresStatus, error) {
	db, err := p.conn()
	if err != nil {
		return PostgresStatus{}, nil
	}

	var row struct {
		InRecovery bool
		LSN        string
	}
	err = db.WithContext(ctx).Raw(`
		SELECT pg_is_in_recovery() AS in_recovery,
		       CASE WHEN pg_is_in_recovery()
		            THEN coalesce(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn())
		            ELSE pg_current_wal_lsn()
		       END::text AS lsn`).Scan(&row).Error
	if err != nil {
		// A refused connection means the postmaster is down, not a keeper
		// failure.
		p.dropConn()
		return PostgresStatus{}, nil
	}

	lsn, err := state.ParseLSN(row.LSN)
	if err != nil {
		lsn = state.InvalidLSN
	}

	return PostgresStatus{
		Running:    true,
		InRecovery: row.InRecovery,
		LSN:        lsn,
		SyncState:  state.SyncUnknown,
	}, nil
}

func (p *PgCtl) Start(ctx context.Context) error {
	return errors.Trace(p.pgCtl(ctx, "start"))
}

func (p *PgCtl) Stop(ctx context.Context) error {
	p.dropConn()
	return errors.Trace(p.pgCtl(ctx, "stop", "--mode", "fast"))
}

func (p *PgCtl) Promote(ctx context.Context) error {
	return errors.Trace(p.pgCtl(ctx, "promote"))
}

func (p *PgCtl) Drain(ctx context.Context) error {
	db, err := p.conn()
	if err != nil {
		return errors.Trace(err)
	}
	// Kick out every client but us, then checkpoint so the standby can catch
	// up to a quiesced WAL position.
	err = db.WithContext(ctx).Exec(`
		SELECT pg_terminate_backend(pid)
		  FROM pg_stat_activity
		 WHERE pid <> pg_backend_pid() AND backend_type = 'client backend'`).Error
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.WithContext(ctx).Exec("CHECKPOINT").Error)
}

func (p *PgCtl) FollowPrimary(ctx context.Context, host string, port int) error {
	db, err := p.conn()
	if err != nil {
		return errors.Trace(err)
	}

	conninfo := fmt.Sprintf("host=%s port=%d user=%s application_name=%s",
		host, port, p.ReplicationUser, p.ReplicationUser)
	err = db.WithContext(ctx).Exec(
		"ALTER SYSTEM SET primary_conninfo = " + quoteLiteral(conninfo)).Error
	if err != nil {
		return errors.Trace(err)
	}
	if err := db.WithContext(ctx).Exec("SELECT pg_reload_conf()").Error; err != nil {
		return errors.Trace(err)
	}

	log.Infof("replication upstream set to %s:%d", host, port)
	return nil
}

func (p *PgCtl) StopReplication(ctx context.Context) error {
	db, err := p.conn()
	if err != nil {
		return errors.Trace(err)
	}
	if err := db.WithContext(ctx).Exec("ALTER SYSTEM SET primary_conninfo = ''").Error; err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.WithContext(ctx).Exec("SELECT pg_reload_conf()").Error)
}

func (p *PgCtl) FastForward(ctx context.Context, host string, port int) error {
	// Stream the missing WAL from the most advanced peer. The monitor keeps
	// the node in this state until its position catches up, then orders the
	// stream stopped before promotion.
	return errors.Trace(p.FollowPrimary(ctx, host, port))
}

func (p *PgCtl) ConfigureSync(ctx context.Context, standbys int) error {
	db, err := p.conn()
	if err != nil {
		return errors.Trace(err)
	}

	names := "''"
	if standbys > 0 {
		names = quoteLiteral("ANY " + strconv.Itoa(standbys) + " (*)")
	}
	if err := db.WithContext(ctx).Exec("ALTER SYSTEM SET synchronous_standby_names = " + names).Error; err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.WithContext(ctx).Exec("SELECT pg_reload_conf()").Error)
}

func quoteLiteral(s string) string {
	out := "'"
	for _, r := range s {
		if r == '\'' {
			out += "''"
			continue
		}
		out += string(r)
	}
	return out + "'"
}
