package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"

	"github.com/pgherd/pgherd/monitor"
	"github.com/pgherd/pgherd/server"
	"github.com/pgherd/pgherd/store"
)

var (
	configFile = flag.String("config", "", "monitor config file (TOML)")
	listenAddr = flag.String("listen", "", "listen address, overrides the config file")
	storeDSN   = flag.String("store", "", "postgres DSN of the registry store, overrides the config file")
)

func main() {
	flag.Parse()

	var cfg *monitor.Config
	var err error
	if *configFile != "" {
		cfg, err = monitor.NewConfigWithFile(*configFile)
		if err != nil {
			fmt.Printf("read config err %v\n", errors.ErrorStack(err))
			os.Exit(1)
		}
	} else {
		cfg = monitor.NewDefaultConfig()
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *storeDSN != "" {
		cfg.StoreDSN = *storeDSN
	}

	var st monitor.Store
	if cfg.StoreDSN != "" {
		st, err = store.Open(cfg.StoreDSN)
		if err != nil {
			fmt.Printf("open store err %v\n", errors.ErrorStack(err))
			os.Exit(1)
		}
	}

	m, err := monitor.New(cfg, st)
	if err != nil {
		fmt.Printf("create monitor err %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}

	go m.HealthChecker().Run()

	srv := server.New(cfg.ListenAddr, m)
	go func() {
		if err := srv.Run(); err != nil {
			fmt.Printf("run server err %v\n", errors.ErrorStack(err))
			os.Exit(1)
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	<-sc

	srv.Close()
	m.HealthChecker().Close()
	if st != nil {
		st.Close()
	}
}
