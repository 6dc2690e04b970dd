// Command kioskopsctl is the reference host application exercising the
// kioskops SDK end to end: os.Args[1] selects a subcommand, each with its
// own flag.FlagSet.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kioskops/edge-sdk/internal/config"
	"github.com/kioskops/edge-sdk/internal/logging"
	"github.com/kioskops/edge-sdk/internal/transport/httptransport"
	"github.com/kioskops/edge-sdk/sdk"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "enqueue":
		cmdEnqueue(os.Args[2:])
	case "sync":
		cmdSync(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "retain":
		cmdRetain(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println(`kioskopsctl enqueue --dir ./data --config ./config.yaml --type SCAN --payload '{"scan":"12345"}' [--stable-id id]
kioskopsctl sync    --dir ./data --config ./config.yaml
kioskopsctl status  --dir ./data --config ./config.yaml
kioskopsctl retain  --dir ./data --config ./config.yaml`)
}

func openHandle(dir, configPath string) (*sdk.Handle, config.Config, error) {
	loader := &config.Loader{BasePath: configPath}
	cfg, err := loader.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(os.Stderr, "kioskopsctl", logging.LevelInfo)

	var tr *httptransport.HTTPTransport
	if cfg.SyncPolicy.Enabled && cfg.BaseURL != "" {
		tr = httptransport.New(cfg.BaseURL, cfg.SyncPolicy.EndpointPath, sdk.SDKVersion, nil)
	}

	opts := sdk.Options{Dir: dir, Config: cfg, Logger: logger, Clock: time.Now}
	if tr != nil {
		opts.Transport = tr
	}
	h, err := sdk.Init(opts)
	if err != nil {
		return nil, cfg, fmt.Errorf("initializing sdk: %w", err)
	}
	return h, cfg, nil
}

func requireDirAndConfig(dir, configPath string) {
	if dir == "" || configPath == "" {
		usage()
		os.Exit(2)
	}
}
