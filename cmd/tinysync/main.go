// Command tinysync copies Datadog time series into a local store, resuming
// each metric from the newest point already stored.
//
//	tinysync [sync] -q queries.json -f foundations.json -a API_KEY -k APP_KEY
//	tinysync export --metric cpu --start 2024-05-01T00:00:00Z -o cpu.json.zst
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitOK          = 0
	exitConfigError = 1
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "sync"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "sync":
		return runSync(ctx, args, stdout, stderr)
	case "export":
		return runExport(ctx, args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (want sync or export)\n", cmd)
		return exitConfigError
	}
}
