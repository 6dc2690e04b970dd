package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func cmdSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	dir := fs.String("dir", "", "device-private storage directory")
	configPath := fs.String("config", "", "path to the base YAML config file")
	_ = fs.Parse(args)

	requireDirAndConfig(*dir, *configPath)

	h, _, err := openHandle(*dir, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync:", err)
		os.Exit(1)
	}
	defer h.Close()

	res, err := h.SyncOnce(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "sync:", err)
		os.Exit(1)
	}
	fmt.Printf("attempted=%d sent=%d transient_failed=%d permanent_failed=%d rejected=%d\n",
		res.Attempted, res.Sent, res.TransientFailed, res.PermanentFailed, res.Rejected)
}
