package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"

	"github.com/pgherd/pgherd/keeper"
)

var (
	configFile = flag.String("config", "", "keeper config file (TOML)")

	monitorURL = flag.String("monitor", "", "monitor base URL, overrides the config file")
	name       = flag.String("name", "", "node name, overrides the config file")
	host       = flag.String("host", "", "node host, overrides the config file")
	port       = flag.Int("port", 0, "node Postgres port, overrides the config file")

	pgdata   = flag.String("pgdata", "", "PGDATA of the managed instance")
	bindir   = flag.String("bindir", "", "Postgres binary directory, defaults to PATH")
	localDSN = flag.String("dsn", "", "DSN of the managed instance for status queries")
	replUser = flag.String("replication-user", "replicator", "replication user for standby setup")
)

func main() {
	flag.Parse()

	var cfg *keeper.Config
	var err error
	if *configFile != "" {
		cfg, err = keeper.NewConfigWithFile(*configFile)
		if err != nil {
			fmt.Printf("read config err %v\n", errors.ErrorStack(err))
			os.Exit(1)
		}
	} else {
		cfg = keeper.NewDefaultConfig()
	}
	if *monitorURL != "" {
		cfg.MonitorURL = *monitorURL
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	pg := &keeper.PgCtl{
		BinDir:          *bindir,
		DataDir:         *pgdata,
		LocalDSN:        *localDSN,
		ReplicationUser: *replUser,
	}

	k, err := keeper.New(cfg, pg)
	if err != nil {
		fmt.Printf("create keeper err %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}

	go func() {
		if err := k.Run(context.Background()); err != nil {
			fmt.Printf("run keeper err %v\n", errors.ErrorStack(err))
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	<-sc

	k.Close()
}
