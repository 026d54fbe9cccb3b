package monitor

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Policy holds the externally supplied knobs of the decision core. The
// monitor never hardcodes a threshold: everything that tunes failure
// detection, lag tolerance or election pacing lives here.
type Policy struct {
	// UnhealthyTimeout is the failure-detection window: how long a node must
	// keep failing checks and reports before the machine acts on it.
	UnhealthyTimeout time.Duration `toml:"unhealthy_timeout"`

	// StartupGracePeriod suppresses failure detection right after the
	// monitor starts, before health history exists.
	StartupGracePeriod time.Duration `toml:"startup_grace_period"`

	// DrainTimeout bounds how long a demoted primary may take to drain
	// before the machine proceeds without its confirmation.
	DrainTimeout time.Duration `toml:"drain_timeout"`

	// HealthCheckInterval paces the per-node reachability probes.
	HealthCheckInterval time.Duration `toml:"health_check_interval"`

	// HealthCheckTimeout bounds a single probe.
	HealthCheckTimeout time.Duration `toml:"health_check_timeout"`

	// HealthStaleAfter is how old a verdict may grow before it reads back as
	// unknown.
	HealthStaleAfter time.Duration `toml:"health_stale_after"`

	// HealthFailures is how many consecutive probe failures flip a node to
	// unhealthy.
	HealthFailures int `toml:"health_failures"`

	// EnableSyncLag is the WAL byte distance within which a catching-up
	// standby is considered close enough to enable synchronous replication.
	EnableSyncLag uint64 `toml:"enable_sync_lag"`

	// PromoteLag is the WAL byte distance within which a standby is an
	// eligible promotion target. Zero requires an exact match.
	PromoteLag uint64 `toml:"promote_lag"`

	// ElectionTimeout bounds how long the machine waits for report_lsn
	// answers before electing with what it has.
	ElectionTimeout time.Duration `toml:"election_timeout"`

	// PromotionTimeout bounds each step of a candidate's promotion before
	// the candidate is abandoned and the election retried.
	PromotionTimeout time.Duration `toml:"promotion_timeout"`

	// MaxPromotionRetries is how many abandoned candidates an election
	// tolerates before settling into a degraded hold.
	MaxPromotionRetries int `toml:"max_promotion_retries"`

	// SyncStandbyTarget is the durability target: how many quorum standbys
	// should acknowledge a write.
	SyncStandbyTarget int `toml:"sync_standby_target"`

	// RequireQuorumCandidate restricts promotion to replication-quorum
	// members.
	RequireQuorumCandidate bool `toml:"require_quorum_candidate"`

	// MaxNodesPerGroup caps group membership at registration time. Zero
	// means unlimited.
	MaxNodesPerGroup int `toml:"max_nodes_per_group"`
}

// DefaultPolicy mirrors the defaults of the original monitor extension.
func DefaultPolicy() Policy {
	return Policy{
		UnhealthyTimeout:    20 * time.Second,
		StartupGracePeriod:  10 * time.Second,
		DrainTimeout:        30 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		HealthStaleAfter:    30 * time.Second,
		HealthFailures:      2,
		EnableSyncLag:       16 * 1024 * 1024,
		PromoteLag:          16 * 1024 * 1024,
		ElectionTimeout:     15 * time.Second,
		PromotionTimeout:    30 * time.Second,
		MaxPromotionRetries: 3,
		SyncStandbyTarget:   1,
	}
}

// Config is the monitor daemon configuration.
type Config struct {
	// ListenAddr is the host:port the RPC surface binds.
	ListenAddr string `toml:"listen_addr"`

	// StoreDSN is the Postgres connection string of the registry store.
	// Empty keeps the registry in memory only.
	StoreDSN string `toml:"store_dsn"`

	// EventLogSize bounds the in-memory state-change history.
	EventLogSize int `toml:"event_log_size"`

	Policy Policy `toml:"policy"`
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:6430",
		EventLogSize: 1024,
		Policy:       DefaultPolicy(),
	}
}

func NewConfigWithFile(name string) (*Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return NewConfig(string(data))
}

func NewConfig(data string) (*Config, error) {
	c := NewDefaultConfig()

	_, err := toml.Decode(data, c)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return c, nil
}
