// Command duplexd runs duplex servers and clients from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "duplexd",
		Usage: "persistent duplex messaging over TCP, TLS and gRPC",
		Flags: globalFlags,
		Commands: []*cli.Command{
			serveCommand,
			sendCommand,
			requestCommand,
			hubCommand,
		},
	}
}

func main() {
	app := newApp()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
