package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/correlation"
	"github.com/Zereker/duplex/internal/config"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "accept connections until interrupted",
	Flags: []cli.Flag{
		portFlag,
		bufferSizeFlag,
		&cli.StringFlag{
			Name:  "mode",
			Usage: "echo: write every chunk back; correlate: answer correlated requests with upper-cased data",
			Value: "echo",
		},
	},
	Action: func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.close()

		opts, err := e.serverOptions(c.String("mode"))
		if err != nil {
			return err
		}

		server := duplex.NewServer(opts...)
		if err := server.Start(c.Context, e.cfg.Server.Port, e.cfg.Server.BufferSize); err != nil {
			return err
		}
		e.logger.Info("serving", "addr", server.Addr(), "mode", c.String("mode"), "tls", e.cfg.TLS.Enabled())

		<-c.Context.Done()
		return server.Stop()
	},
}

func (e *env) serverOptions(mode string) ([]duplex.ServerOption, error) {
	enc, err := config.EncodingByName(e.cfg.Server.Encoding)
	if err != nil {
		return nil, err
	}

	opts := []duplex.ServerOption{
		duplex.ServerLoggerOption(e.logger),
		duplex.ServerEncodingOption(enc),
		duplex.ServerKeepAliveOption(e.cfg.Server.KeepAlive.Value()),
	}
	if e.cfg.TLS.Enabled() {
		tlsCfg, err := serverTLSConfig(e.cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, duplex.ServerTLSOption(tlsCfg))
	}

	switch mode {
	case "echo":
		opts = append(opts, duplex.OnConnMessageOption(func(conn *duplex.Conn, m duplex.Message) error {
			return conn.Send(m.Body())
		}))
	case "correlate":
		opts = append(opts, duplex.OnConnectOption(func(conn *duplex.Conn) {
			ch := correlation.New(correlation.ConnLink(conn),
				correlation.LoggerOption(e.logger),
				correlation.HandlerOption(upperHandler),
				correlation.DataBufferHandlerOption(func(ctx context.Context, msg correlation.Message, buf []byte) (*correlation.Message, error) {
					return upperHandler(ctx, correlation.Message{Type: msg.Type, Data: string(buf)})
				}),
			)
			conn.OnClose(func(*duplex.Conn, error) { _ = ch.Close() })
		}))
	default:
		return nil, fmt.Errorf("unknown serve mode %q", mode)
	}
	return opts, nil
}

func upperHandler(_ context.Context, msg correlation.Message) (*correlation.Message, error) {
	return &correlation.Message{Type: msg.Type, Data: strings.ToUpper(msg.Data)}, nil
}
