package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func cmdRetain(args []string) {
	fs := flag.NewFlagSet("retain", flag.ExitOnError)
	dir := fs.String("dir", "", "device-private storage directory")
	configPath := fs.String("config", "", "path to the base YAML config file")
	_ = fs.Parse(args)

	requireDirAndConfig(*dir, *configPath)

	h, _, err := openHandle(*dir, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "retain:", err)
		os.Exit(1)
	}
	defer h.Close()

	res, err := h.RunRetention(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "retain:", err)
		os.Exit(1)
	}
	fmt.Printf("sent_purged=%d quarantined_purged=%d audit_files_purged=%d log_files_purged=%d\n",
		res.SentPurged, res.QuarantinedPurged, res.AuditFilesPurged, res.LogFilesPurged)
}
