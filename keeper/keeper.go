// Package keeper is the node-local agent: it reports the state of its
// Postgres instance to the monitor and carries out whatever goal state the
// monitor assigns in return.
package keeper

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-log/log"
	"github.com/siddontang/go/sync2"

	"github.com/pgherd/pgherd/client"
	"github.com/pgherd/pgherd/server"
	"github.com/pgherd/pgherd/state"
)

// keeperState is the on-disk identity of the node. It survives restarts so a
// keeper never registers twice.
type keeperState struct {
	NodeID       int64  `json:"node_id"`
	GroupID      int    `json:"group_id"`
	CurrentState string `json:"current_state"`
}

type Keeper struct {
	cfg     *Config
	monitor *client.Client
	pg      PostgresController

	mu      sync.Mutex
	nodeID  int64
	groupID int
	current state.ReplicationState

	closed sync2.AtomicBool
	quit   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg *Config, pg PostgresController) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	k := &Keeper{
		cfg:     cfg,
		monitor: client.New(cfg.MonitorURL),
		pg:      pg,
		current: state.Init,
		quit:    make(chan struct{}),
	}

	if err := k.loadState(); err != nil {
		return nil, errors.Trace(err)
	}

	return k, nil
}

// NodeID returns the monitor-assigned identity, zero before registration.
func (k *Keeper) NodeID() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nodeID
}

// CurrentState returns the last state the keeper reached.
func (k *Keeper) CurrentState() state.ReplicationState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Run drives the report/apply loop until Close or context cancellation.
func (k *Keeper) Run(ctx context.Context) error {
	k.wg.Add(1)
	defer k.wg.Done()

	for k.NodeID() == 0 {
		if err := k.register(ctx); err != nil {
			log.Warnf("registration failed, retrying in %s: %v", k.cfg.RetryInterval, err)
			select {
			case <-time.After(k.cfg.RetryInterval):
			case <-k.quit:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
	}

	ticker := time.NewTicker(k.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		if err := k.step(ctx); err != nil {
			if client.IsRetryable(err) {
				log.Warnf("monitor unreachable, will retry: %v", err)
			} else {
				log.Errorf("keeper step failed: %v", err)
			}
		}

		select {
		case <-ticker.C:
		case <-k.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *Keeper) Close() {
	if k.closed.Get() {
		return
	}
	k.closed.Set(true)
	close(k.quit)
	k.wg.Wait()
}

func (k *Keeper) register(ctx context.Context) error {
	resp, err := k.monitor.Register(ctx, server.RegisterRequest{
		Formation:         k.cfg.Formation,
		Name:              k.cfg.Name,
		Host:              k.cfg.Host,
		Port:              k.cfg.Port,
		GroupID:           k.cfg.GroupID,
		CandidatePriority: k.cfg.CandidatePriority,
		ReplicationQuorum: k.cfg.ReplicationQuorum,
	})
	if err != nil {
		return errors.Trace(err)
	}

	k.mu.Lock()
	k.nodeID = resp.NodeID
	k.groupID = resp.GroupID
	k.mu.Unlock()

	log.Infof("registered as node %d in group %d with goal state %s",
		resp.NodeID, resp.GroupID, resp.GoalState)

	return errors.Trace(k.saveState())
}

// step is one loop iteration: observe Postgres, report, and reach the goal
// the monitor handed back.
func (k *Keeper) step(ctx context.Context) error {
	status, err := k.pg.Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	k.mu.Lock()
	reported := k.current
	nodeID := k.nodeID
	k.mu.Unlock()

	resp, err := k.monitor.NodeActive(ctx, server.NodeActiveRequest{
		Formation:     k.cfg.Formation,
		NodeID:        nodeID,
		ReportedState: reported.String(),
		PgIsRunning:   status.Running,
		SyncState:     status.SyncState.String(),
		LSN:           status.LSN.String(),
	})
	if err != nil {
		return errors.Trace(err)
	}

	goal := state.ParseState(resp.GoalState)
	if goal == reported || goal == state.Unknown {
		return nil
	}

	log.Infof("monitor assigned goal state %s, current state is %s", goal, reported)

	if err := k.reach(ctx, goal, status, resp); err != nil {
		return errors.Annotatef(err, "reaching goal state %s", goal)
	}

	k.mu.Lock()
	k.current = goal
	k.mu.Unlock()

	return errors.Trace(k.saveState())
}

// reach performs the local transition to the assigned goal state. Returning
// nil means the keeper reports the goal as reached on the next loop.
func (k *Keeper) reach(ctx context.Context, goal state.ReplicationState,
	status PostgresStatus, resp *server.NodeActiveResponse) error {
	switch goal {
	case state.Single, state.WaitPrimary, state.Primary, state.JoinPrimary:
		if !status.Running {
			if err := k.pg.Start(ctx); err != nil {
				return errors.Trace(err)
			}
		}
		if status.InRecovery {
			if err := k.pg.Promote(ctx); err != nil {
				return errors.Trace(err)
			}
		}
		standbys := 0
		if goal == state.Primary {
			standbys = resp.SyncStandbyCount
		}
		return errors.Trace(k.pg.ConfigureSync(ctx, standbys))

	case state.ApplySettings:
		return errors.Trace(k.pg.ConfigureSync(ctx, resp.SyncStandbyCount))

	case state.WaitStandby:
		if !status.Running {
			return errors.Trace(k.pg.Start(ctx))
		}
		return nil

	case state.CatchingUp, state.Secondary:
		primary, err := k.monitor.GetPrimary(ctx, k.cfg.Formation, resp.GroupID)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(k.pg.FollowPrimary(ctx, primary.Host, primary.Port))

	case state.ReportLSN, state.PreparePromotion, state.DemoteTimeout, state.Maintenance:
		// Nothing to do locally, the monitor only wants the report.
		return nil

	case state.StopReplication:
		return errors.Trace(k.pg.StopReplication(ctx))

	case state.FastForward:
		host, port, err := k.mostAdvancedPeer(ctx, resp.GroupID)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(k.pg.FastForward(ctx, host, port))

	case state.Draining:
		return errors.Trace(k.pg.Drain(ctx))

	case state.Demoted:
		if status.Running {
			return errors.Trace(k.pg.Stop(ctx))
		}
		return nil
	}

	return errors.Errorf("no local transition for goal state %s", goal)
}

// mostAdvancedPeer finds the group member holding the WAL this node is
// missing, for a fast-forward fetch.
func (k *Keeper) mostAdvancedPeer(ctx context.Context, groupID int) (string, int, error) {
	nodes, err := k.monitor.ListGroup(ctx, k.cfg.Formation, groupID)
	if err != nil {
		return "", 0, errors.Trace(err)
	}

	var best *server.NodeInfo
	var bestLSN state.LSN
	for i := range nodes {
		n := &nodes[i]
		if n.NodeID == k.NodeID() {
			continue
		}
		lsn, err := state.ParseLSN(n.LSN)
		if err != nil {
			continue
		}
		if best == nil || lsn.Compare(bestLSN) > 0 {
			best, bestLSN = n, lsn
		}
	}
	if best == nil {
		return "", 0, errors.New("no peer to fast-forward from")
	}
	return best.Host, best.Port, nil
}

func (k *Keeper) loadState() error {
	data, err := os.ReadFile(k.cfg.StateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}

	var st keeperState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Trace(err)
	}

	k.nodeID = st.NodeID
	k.groupID = st.GroupID
	if s := state.ParseState(st.CurrentState); s != state.Unknown {
		k.current = s
	}
	return nil
}

func (k *Keeper) saveState() error {
	k.mu.Lock()
	st := keeperState{
		NodeID:       k.nodeID,
		GroupID:      k.groupID,
		CurrentState: k.current.String(),
	}
	k.mu.Unlock()

	data, err := json.Marshal(&st)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(k.cfg.StateFile, data, 0644))
}
