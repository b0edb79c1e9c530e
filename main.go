// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/app"
	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/config"
)

var (
	configPath = flag.String("config", "config.json", "Path to config file")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("hms-comms v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "hub":
		err = app.RunHub(ctx, *configPath, cfg)
	case "client":
		err = app.RunClient(ctx, *configPath, cfg)
	case "init":
		err = config.Save(*configPath, cfg)
		if err == nil {
			fmt.Printf("wrote %s\n", *configPath)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		showUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`hms-comms - Bristol Park HMS real-time communication core

Usage:
  hms-comms [flags] <command>

Commands:
  hub      Run the fan-out hub (WebSocket server + bridge webhooks)
  client   Run a client session connected to the hub
  init     Write the current config (defaults + env) to the config file

Flags:
  -config path   Config file (default "config.json")
  -version       Show version
  -h             Show help

Environment overrides: HMS_USER_ID, HMS_USER_NAME, HMS_ROLE, HMS_BRANCH,
HMS_HUB_LISTEN, HMS_HUB_URL, HMS_BRIDGE_SOURCE, HMS_BRIDGE_URL,
HMS_BRIDGE_SECRET, HMS_DATA_DIR, HMS_LOG_LEVEL.`)
}
