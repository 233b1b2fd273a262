package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/correlation"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "send text and print what comes back",
	ArgsUsage: "<text>...",
	Flags:     []cli.Flag{hostFlag, portFlag, bufferSizeFlag, timeoutFlag, noReconnectFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return errors.New("nothing to send")
		}
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.close()

		replies := make(chan duplex.Message, 1)
		client, err := e.newClient(duplex.OnMessageOption(func(m duplex.Message) error {
			select {
			case replies <- m:
			default:
			}
			return nil
		}))
		if err != nil {
			return err
		}
		if err := e.connect(c.Context, client); err != nil {
			return err
		}
		defer client.Disconnect()

		if err := client.SendString(strings.Join(c.Args().Slice(), " ")); err != nil {
			return err
		}

		select {
		case m := <-replies:
			fmt.Fprintln(c.App.Writer, string(m.Body()))
			return nil
		case <-time.After(e.cfg.Correlation.Timeout):
			return errors.Errorf("no reply within %s", e.cfg.Correlation.Timeout)
		case <-c.Context.Done():
			return c.Context.Err()
		}
	},
}

var requestCommand = &cli.Command{
	Name:      "request",
	Usage:     "send a correlated request and print the response",
	ArgsUsage: "<data>",
	Flags: []cli.Flag{
		hostFlag, portFlag, bufferSizeFlag, timeoutFlag, noReconnectFlag,
		&cli.IntFlag{Name: "type", Usage: "message type", Value: 1},
	},
	Action: func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.close()

		client, err := e.newClient()
		if err != nil {
			return err
		}
		channel := correlation.New(correlation.ClientLink(client), correlation.LoggerOption(e.logger))
		defer channel.Close()

		if err := e.connect(c.Context, client); err != nil {
			return err
		}
		defer client.Disconnect()

		msg := correlation.Message{Type: c.Int("type"), Data: strings.Join(c.Args().Slice(), " ")}
		reply, err := channel.Send(c.Context, msg, e.cfg.Correlation.Timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d %s\n", reply.Type, reply.Data)
		return nil
	},
}
