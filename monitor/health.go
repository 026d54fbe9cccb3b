package monitor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/siddontang/go-log/log"

	"github.com/pgherd/pgherd/state"
)

// ProbeFunc checks whether a node's Postgres endpoint is reachable. It must
// respect the context deadline.
type ProbeFunc func(ctx context.Context, addr string) error

// HealthChecker probes every registered node on a fixed interval and writes
// verdicts back through the monitor, so each one re-evaluates the node's
// group. It never mutates replication state itself.
type HealthChecker struct {
	policy  Policy
	monitor *Monitor
	probe   ProbeFunc

	mu    sync.Mutex
	fails map[nodeKey]int // consecutive probe failures

	quit chan struct{}
	wg   sync.WaitGroup
}

type nodeKey struct {
	formation string
	id        int64
}

func NewHealthChecker(policy Policy, m *Monitor) *HealthChecker {
	return &HealthChecker{
		policy:  policy,
		monitor: m,
		probe:   tcpProbe,
		fails:   make(map[nodeKey]int),
		quit:    make(chan struct{}),
	}
}

// SetProbe overrides the reachability probe, for tests and for deployments
// that prefer a deeper check than a TCP dial.
func (h *HealthChecker) SetProbe(p ProbeFunc) {
	h.probe = p
}

// tcpProbe is the default lightweight reachability check.
func tcpProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Run probes until Close is called. Blocks; run it in its own goroutine.
func (h *HealthChecker) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.policy.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.quit:
			return
		case <-ticker.C:
			h.checkAll()
		}
	}
}

func (h *HealthChecker) Close() {
	close(h.quit)
	h.wg.Wait()
}

func (h *HealthChecker) checkAll() {
	nodes := h.monitor.Registry().AllNodes()

	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.checkOne(n)
		}()
	}
	wg.Wait()
}

// checkOne runs one bounded probe and reports the verdict. A node flips to
// unhealthy only after enough consecutive failures; a single success flips
// it back immediately.
func (h *HealthChecker) checkOne(n *Node) {
	ctx, cancel := context.WithTimeout(context.Background(), h.policy.HealthCheckTimeout)
	defer cancel()

	checkedAt := time.Now()
	err := h.probe(ctx, n.Addr())

	key := nodeKey{formation: n.Formation, id: n.ID}

	h.mu.Lock()
	if err != nil {
		h.fails[key]++
	} else {
		delete(h.fails, key)
	}
	failures := h.fails[key]
	h.mu.Unlock()

	verdict := state.HealthGood
	if err != nil {
		if failures < h.policy.HealthFailures {
			// not confirmed bad yet; the old verdict decays to unknown on
			// its own if this keeps up
			return
		}
		verdict = state.HealthBad
	}

	if rerr := h.monitor.ReportHealth(n.Formation, n.ID, verdict, checkedAt); rerr != nil {
		// the node may have been removed mid-probe
		log.Warnf("health report for node %s (%s/%d): %v", n.Name, n.Formation, n.GroupID, rerr)
	}

	if err != nil {
		log.Warnf("health check of %s at %s failed (%d consecutive): %v",
			n.Name, n.Addr(), failures, err)
	}
}
