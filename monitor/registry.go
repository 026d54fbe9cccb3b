package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-log/log"

	"github.com/pgherd/pgherd/state"
)

// Store persists node records across monitor restarts. A nil Store keeps the
// registry in memory only.
type Store interface {
	Load() ([]*Node, error)
	Save(n *Node) error
	Delete(formation string, nodeID int64) error
	Close() error
}

// Registry is the authoritative mapping of every node to its current
// metadata. All reads and decisions are made against it. Individual record
// mutations are atomic; group-wide decisions additionally run under the
// group's lock so no report interleaves with an in-flight decision.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]map[int64]*Node // formation -> node id -> record
	names  map[string]map[string]int64
	nextID map[string]int64

	lockMu sync.Mutex
	locks  map[Group]*sync.Mutex

	store Store
	clock func() time.Time
}

func NewRegistry(store Store) (*Registry, error) {
	r := &Registry{
		nodes:  make(map[string]map[int64]*Node),
		names:  make(map[string]map[string]int64),
		nextID: make(map[string]int64),
		locks:  make(map[Group]*sync.Mutex),
		store:  store,
		clock:  time.Now,
	}

	if store != nil {
		nodes, err := store.Load()
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, n := range nodes {
			r.insert(n)
			if n.ID >= r.nextID[n.Formation] {
				r.nextID[n.Formation] = n.ID + 1
			}
		}
		log.Infof("registry loaded %d node(s) from store", len(nodes))
	}

	return r, nil
}

func (r *Registry) insert(n *Node) {
	if r.nodes[n.Formation] == nil {
		r.nodes[n.Formation] = make(map[int64]*Node)
		r.names[n.Formation] = make(map[string]int64)
		r.nextID[n.Formation] = 1
	}
	r.nodes[n.Formation][n.ID] = n
	r.names[n.Formation][n.Name] = n.ID
}

// WithGroupLock serializes the read-snapshot, decide, write-goals sequence
// for one group. Different groups proceed fully in parallel.
func (r *Registry) WithGroupLock(g Group, fn func() error) error {
	r.lockMu.Lock()
	l := r.locks[g]
	if l == nil {
		l = new(sync.Mutex)
		r.locks[g] = l
	}
	r.lockMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// Register adds a node to a formation. The first node of a group starts on
// the primary track (goal single), later ones on the standby track (goal
// wait_standby).
func (r *Registry) Register(formation, name, host string, port, groupID int,
	priority int, quorum bool, maxPerGroup int) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ids, ok := r.names[formation]; ok {
		if _, dup := ids[name]; dup {
			return nil, errors.Trace(ErrDuplicateNode)
		}
	}

	if groupID < 0 {
		groupID = r.assignGroupLocked(formation, maxPerGroup)
	} else {
		members := r.groupSizeLocked(formation, groupID)
		if maxPerGroup > 0 && members >= maxPerGroup {
			return nil, errors.Trace(ErrGroupFull)
		}
	}

	initial := state.WaitStandby
	if r.groupSizeLocked(formation, groupID) == 0 {
		initial = state.Single
	}

	id := r.nextID[formation]
	if id == 0 {
		id = 1
	}

	now := r.clock()
	n := &Node{
		Formation:         formation,
		ID:                id,
		GroupID:           groupID,
		Name:              name,
		Host:              host,
		Port:              port,
		GoalState:         initial,
		ReportedState:     state.Init,
		StateChangeTime:   now,
		RegisteredTime:    now,
		CandidatePriority: priority,
		ReplicationQuorum: quorum,
	}
	r.insert(n)
	r.nextID[formation] = n.ID + 1

	if err := r.persist(n); err != nil {
		delete(r.nodes[formation], n.ID)
		delete(r.names[formation], n.Name)
		return nil, errors.Trace(err)
	}

	out := *n
	return &out, nil
}

// assignGroupLocked finds the first group still accepting members, the way
// the original monitor hands out group ids.
func (r *Registry) assignGroupLocked(formation string, maxPerGroup int) int {
	if maxPerGroup <= 0 {
		// unlimited group size: everything goes to group 0
		return 0
	}
	for gid := 0; ; gid++ {
		if r.groupSizeLocked(formation, gid) < maxPerGroup {
			return gid
		}
	}
}

func (r *Registry) groupSizeLocked(formation string, groupID int) int {
	count := 0
	for _, n := range r.nodes[formation] {
		if n.GroupID == groupID {
			count++
		}
	}
	return count
}

// Lookup returns a copy of the node record.
func (r *Registry) Lookup(formation string, nodeID int64) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[formation][nodeID]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}
	out := *n
	return &out, nil
}

// LookupByName returns a copy of the node record with the given name.
func (r *Registry) LookupByName(formation, name string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names[formation][name]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}
	out := *r.nodes[formation][id]
	return &out, nil
}

// ListGroup returns a snapshot of all nodes sharing a (formation, group)
// pair, ordered by node id.
func (r *Registry) ListGroup(g Group) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, n := range r.nodes[g.Formation] {
		if n.GroupID == g.GroupID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListFormation returns a snapshot of all nodes of a formation, ordered by
// group then node id.
func (r *Registry) ListFormation(formation string) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, n := range r.nodes[formation] {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AllNodes returns a snapshot of every node under management.
func (r *Registry) AllNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Node
	for _, formation := range r.nodes {
		for _, n := range formation {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out
}

// UpdateReportedState applies a keeper report to the reported side of a node
// record. A WAL position going backwards while the reported state is
// unchanged is flagged as an anomaly and the stored position keeps its
// high-watermark, so a bad report never rolls protocol progress back.
func (r *Registry) UpdateReportedState(formation string, nodeID int64,
	reported state.ReplicationState, pgIsRunning bool,
	syncState state.SyncState, lsn state.LSN) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[formation][nodeID]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}

	now := r.clock()

	if lsn != state.InvalidLSN {
		if lsn.Compare(n.ReportedLSN) < 0 && reported == n.ReportedState {
			n.WALRegressions++
			log.Warnf("node %s (%s/%d) reported LSN %s behind its previous %s in state %s, keeping the high-watermark",
				n.Name, n.Formation, n.GroupID, lsn, n.ReportedLSN, reported)
		} else if lsn.Compare(n.ReportedLSN) > 0 || reported != n.ReportedState {
			n.ReportedLSN = lsn
		}
		n.WALReportTime = now
	}

	n.ReportedState = reported
	n.PgIsRunning = pgIsRunning
	n.SyncState = syncState
	n.ReportTime = now

	if err := r.persist(n); err != nil {
		return nil, errors.Trace(err)
	}

	out := *n
	return &out, nil
}

// UpdateHealth records a probe verdict. Last write wins by check timestamp:
// an older verdict never overwrites a newer one.
func (r *Registry) UpdateHealth(formation string, nodeID int64,
	verdict state.NodeHealth, checkedAt time.Time) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[formation][nodeID]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}

	if checkedAt.Before(n.HealthCheckTime) {
		out := *n
		return &out, nil
	}

	n.Health = verdict
	n.HealthCheckTime = checkedAt

	if err := r.persist(n); err != nil {
		return nil, errors.Trace(err)
	}

	out := *n
	return &out, nil
}

// UpdateReplicationSettings changes a node's candidate priority and quorum
// membership.
func (r *Registry) UpdateReplicationSettings(formation string, nodeID int64,
	priority int, quorum bool) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[formation][nodeID]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}

	n.CandidatePriority = priority
	n.ReplicationQuorum = quorum

	if err := r.persist(n); err != nil {
		return nil, errors.Trace(err)
	}

	out := *n
	return &out, nil
}

// SetGoalState assigns a new goal state, checked against the transition
// table, and stamps the state-change time. Only the state machine and the
// operator operations call this, always under the group lock.
func (r *Registry) SetGoalState(formation string, nodeID int64,
	goal state.ReplicationState) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[formation][nodeID]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}

	if !state.CanTransition(n.GoalState, goal) {
		return nil, errors.Annotatef(ErrInvalidTransition, "%s -> %s", n.GoalState, goal)
	}

	if n.GoalState != goal {
		n.GoalState = goal
		n.StateChangeTime = r.clock()
	}

	if err := r.persist(n); err != nil {
		return nil, errors.Trace(err)
	}

	out := *n
	return &out, nil
}

// Remove deletes a node record. The caller re-evaluates the remaining group.
func (r *Registry) Remove(formation string, nodeID int64) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[formation][nodeID]
	if !ok {
		return nil, errors.Trace(ErrUnknownNode)
	}

	delete(r.nodes[formation], nodeID)
	delete(r.names[formation], n.Name)

	if r.store != nil {
		if err := r.store.Delete(formation, nodeID); err != nil {
			log.Errorf("delete node %d of formation %s from store: %v", nodeID, formation, err)
		}
	}

	out := *n
	return &out, nil
}

func (r *Registry) persist(n *Node) error {
	if r.store == nil {
		return nil
	}
	cp := *n
	return errors.Trace(r.store.Save(&cp))
}
