package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"codecast/internal/infrastructure/control"
	"codecast/pkg/logger"
)

const usage = `usage: codecastctl [flags] <command>

streamer commands: status, start, stop, pause, resume, links
viewer commands:   viewer, join, leave, retry

flags:
`

func main() {
	addr := flag.String("addr", "http://localhost:8080", "control API address of a streamer or viewer")
	token := flag.String("token", os.Getenv("CODECAST_TOKEN"), "bearer token")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.NewWithFormat("info", "console").Sugar()
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := run(ctx, control.NewClient(*addr, *token), flag.Arg(0))
	if err != nil {
		log.Fatalw("command failed", "command", flag.Arg(0), "error", err)
	}
	if result == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalw("failed to print result", "error", err)
	}
}

func run(ctx context.Context, client *control.Client, command string) (interface{}, error) {
	switch command {
	case "status":
		return client.Stream(ctx)
	case "start":
		return client.StartStream(ctx)
	case "stop":
		return nil, client.StopStream(ctx)
	case "pause":
		return client.PauseStream(ctx)
	case "resume":
		return client.ResumeStream(ctx)
	case "links":
		return client.Links(ctx)
	case "viewer":
		return client.Viewer(ctx)
	case "join":
		return client.JoinStream(ctx)
	case "leave":
		return client.LeaveStream(ctx)
	case "retry":
		return client.Retry(ctx)
	}
	return nil, fmt.Errorf("unknown command %q", command)
}
