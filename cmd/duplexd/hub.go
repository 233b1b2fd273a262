package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Zereker/duplex/correlation"
	"github.com/Zereker/duplex/hub"
)

var addressFlag = &cli.StringFlag{
	Name:    "address",
	Aliases: []string{"a"},
	Usage:   "hub listen or dial address",
}

var hubCommand = &cli.Command{
	Name:  "hub",
	Usage: "correlated messaging over a gRPC stream",
	Subcommands: []*cli.Command{
		{
			Name:  "serve",
			Usage: "answer hub requests with upper-cased data until interrupted",
			Flags: []cli.Flag{addressFlag},
			Action: func(c *cli.Context) error {
				e, err := setup(c)
				if err != nil {
					return err
				}
				defer e.close()

				lis, err := net.Listen("tcp", e.cfg.Hub.Address)
				if err != nil {
					return errors.Wrap(err, "hub listen")
				}

				srv := hub.NewServer(
					hub.LoggerOption(e.logger),
					hub.ChannelOption(
						correlation.HandlerOption(upperHandler),
						correlation.TimeoutOption(e.cfg.Correlation.Timeout),
					),
				)
				go func() {
					<-c.Context.Done()
					srv.Stop()
				}()
				return srv.Serve(lis)
			},
		},
		{
			Name:      "request",
			Usage:     "send one request over a hub stream and print the response",
			ArgsUsage: "<data>",
			Flags: []cli.Flag{
				addressFlag, timeoutFlag,
				&cli.IntFlag{Name: "type", Usage: "message type", Value: 1},
			},
			Action: func(c *cli.Context) error {
				e, err := setup(c)
				if err != nil {
					return err
				}
				defer e.close()

				client, ok := hub.TryDial(c.Context, e.cfg.Hub.Address, hub.LoggerOption(e.logger))
				if !ok {
					return errors.Errorf("hub %s unreachable", e.cfg.Hub.Address)
				}
				defer client.Close()

				msg := correlation.Message{Type: c.Int("type"), Data: strings.Join(c.Args().Slice(), " ")}
				reply, err := client.Channel().Send(c.Context, msg, e.cfg.Correlation.Timeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%d %s\n", reply.Type, reply.Data)
				return nil
			},
		},
	},
}
