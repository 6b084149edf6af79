package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/netron/internal/config"
	"github.com/danmuck/netron/internal/logging"
)

func main() {
	path := flag.String("config", "cmd/netronctl/config.toml", "node config path")
	printConfig := flag.Bool("print-config", false, "print the effective node config and exit")
	flag.Parse()

	logging.ConfigureRuntime()

	nodeCfg, err := config.LoadNodeConfig(*path)
	if err != nil {
		fail(err)
	}
	if *printConfig {
		text, err := config.Encode(nodeCfg)
		if err != nil {
			fail(err)
		}
		fmt.Print(text)
		return
	}
	ctlCfg, err := loadCtlConfig(*path)
	if err != nil {
		fail(err)
	}

	svc, err := newService(nodeCfg, ctlCfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "netronctl: %v\n", err)
	os.Exit(1)
}
