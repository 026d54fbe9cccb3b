package keeper

import (
	"context"

	"github.com/pgherd/pgherd/state"
)

// PostgresStatus is what the keeper observes about the local instance on
// every loop iteration.
type PostgresStatus struct {
	Running    bool
	InRecovery bool
	LSN        state.LSN
	SyncState  state.SyncState
}

// PostgresController is the boundary between the keeper's decision loop and
// the local Postgres instance. The keeper decides what the node should become
// and the controller makes it so. Implementations wrap pg_ctl, pg_rewind and
// replication configuration.
type PostgresController interface {
	// Status observes the instance without changing it.
	Status(ctx context.Context) (PostgresStatus, error)

	// Start and Stop manage the postmaster.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Promote takes a standby out of recovery so it accepts writes.
	Promote(ctx context.Context) error

	// Drain stops accepting new connections and waits for in-flight
	// transactions to finish, ahead of a demotion.
	Drain(ctx context.Context) error

	// FollowPrimary points the instance's replication at the given upstream,
	// rewinding first when the local timeline diverged.
	FollowPrimary(ctx context.Context, host string, port int) error

	// StopReplication disconnects from the upstream while staying in
	// recovery, freezing the WAL position ahead of a promotion.
	StopReplication(ctx context.Context) error

	// FastForward fetches and replays the upstream WAL the instance is
	// missing, without becoming a lasting replica of it.
	FastForward(ctx context.Context, host string, port int) error

	// ConfigureSync sets how many synchronous standbys the primary waits
	// for. Zero turns synchronous replication off.
	ConfigureSync(ctx context.Context, standbys int) error
}
