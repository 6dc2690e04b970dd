package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func cmdEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	dir := fs.String("dir", "", "device-private storage directory")
	configPath := fs.String("config", "", "path to the base YAML config file")
	eventType := fs.String("type", "", "event type")
	payload := fs.String("payload", "", "JSON payload string")
	stableID := fs.String("stable-id", "", "stable event id for deterministic idempotency (optional)")
	_ = fs.Parse(args)

	requireDirAndConfig(*dir, *configPath)
	if *eventType == "" || *payload == "" {
		fmt.Fprintln(os.Stderr, "enqueue: --type and --payload are required")
		os.Exit(2)
	}

	h, _, err := openHandle(*dir, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		os.Exit(1)
	}
	defer h.Close()

	res, err := h.Enqueue(context.Background(), *eventType, *payload, *stableID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		os.Exit(1)
	}
	fmt.Printf("outcome=%v id=%s duplicate=%v dropped_oldest=%v dropped_newest=%v reject_reason=%s\n",
		res.Outcome, res.ID, res.Duplicate, res.DroppedOldest, res.DroppedNewest, res.RejectReason)
}
