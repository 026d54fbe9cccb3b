package keeper

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config is the keeper daemon configuration. One keeper runs next to one
// Postgres instance and speaks for it to the monitor.
type Config struct {
	// MonitorURL is the base URL of the monitor API.
	MonitorURL string `toml:"monitor_url"`

	// Formation and Name identify this node to the monitor. Host and Port
	// are what the other nodes and the monitor's health checks dial.
	Formation string `toml:"formation"`
	Name      string `toml:"name"`
	Host      string `toml:"host"`
	Port      int    `toml:"port"`

	// GroupID is the requested group at registration. -1 lets the monitor
	// pick one.
	GroupID int `toml:"group_id"`

	CandidatePriority int  `toml:"candidate_priority"`
	ReplicationQuorum bool `toml:"replication_quorum"`

	// StateFile persists the monitor-assigned identity across restarts, so
	// the keeper never re-registers an already known node.
	StateFile string `toml:"state_file"`

	// ReportInterval paces the node-active loop. RetryInterval paces
	// reconnection attempts when the monitor is unreachable.
	ReportInterval time.Duration `toml:"report_interval"`
	RetryInterval  time.Duration `toml:"retry_interval"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Formation:         "default",
		GroupID:           -1,
		CandidatePriority: 50,
		ReplicationQuorum: true,
		StateFile:         "pgherd-keeper.state",
		ReportInterval:    5 * time.Second,
		RetryInterval:     2 * time.Second,
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

func (c *Config) Validate() error {
	if c.MonitorURL == "" {
		return errors.New("monitor_url is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
