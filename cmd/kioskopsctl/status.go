package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("dir", "", "device-private storage directory")
	configPath := fs.String("config", "", "path to the base YAML config file")
	_ = fs.Parse(args)

	requireDirAndConfig(*dir, *configPath)

	h, cfg, err := openHandle(*dir, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		os.Exit(1)
	}
	defer h.Close()

	count, err := h.CountActive(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		os.Exit(1)
	}
	fmt.Printf("location_id=%s sync_enabled=%v active_events=%d\n", cfg.LocationID, cfg.SyncPolicy.Enabled, count)

	files, err := h.ExportLocalFiles()
	if err != nil {
		fmt.Fprintln(os.Stderr, "status:", err)
		os.Exit(1)
	}
	for _, f := range files {
		fmt.Println("file:", f)
	}
}
