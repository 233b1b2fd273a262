package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v2"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/internal/config"
	"github.com/Zereker/duplex/internal/logging"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "configuration file (yaml, toml or json)",
		EnvVars: []string{"DUPLEX_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.StringFlag{
		Name:  "log-backend",
		Usage: "logrus or zap",
	},
}

var (
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "server host to connect to",
	}
	portFlag = &cli.UintFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "TCP port",
	}
	bufferSizeFlag = &cli.IntFlag{
		Name:  "buffer-size",
		Usage: "socket buffer and read chunk size in bytes",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "how long to wait for a response",
	}
	noReconnectFlag = &cli.BoolFlag{
		Name:  "no-reconnect",
		Usage: "do not reconnect after the connection is lost",
	}
)

const dialTimeout = 10 * time.Second

// env is what every command needs: the merged configuration and a logger.
type env struct {
	cfg    *config.Config
	logger duplex.Logger
	close  func() error
}

// setup loads the configuration, lets command-line flags override it and
// builds the logger.
func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, close: closeLog}, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-backend") {
		cfg.Log.Backend = c.String("log-backend")
	}
	if c.IsSet("host") {
		cfg.Client.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Client.Port = uint16(c.Uint("port"))
		cfg.Server.Port = uint16(c.Uint("port"))
	}
	if c.IsSet("buffer-size") {
		cfg.Client.BufferSize = c.Int("buffer-size")
		cfg.Server.BufferSize = c.Int("buffer-size")
	}
	if c.IsSet("timeout") {
		cfg.Correlation.Timeout = c.Duration("timeout")
	}
	if c.Bool("no-reconnect") {
		cfg.Client.Reconnect = false
	}
	if c.IsSet("address") {
		cfg.Hub.Address = c.String("address")
	}
}

// clientOptions turns the client section into duplex options. Reconnect
// waits grow exponentially from reconnect_delay up to max_reconnect_delay.
func (e *env) clientOptions() []duplex.Option {
	cc := e.cfg.Client
	opts := []duplex.Option{
		duplex.LoggerOption(e.logger),
		duplex.KeepAliveOption(cc.KeepAlive.Value()),
		duplex.ReconnectOption(cc.Reconnect),
		duplex.ReconnectDelayOption(cc.ReconnectDelay),
		duplex.DialTimeoutOption(dialTimeout),
	}
	if cc.MaxReconnectDelay > cc.ReconnectDelay {
		opts = append(opts, duplex.BackOffOption(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cc.ReconnectDelay
			b.MaxInterval = cc.MaxReconnectDelay
			b.MaxElapsedTime = 0
			return b
		}))
	}
	return opts
}

// newClient builds a plain or TLS client from the configuration.
func (e *env) newClient(extra ...duplex.Option) (*duplex.Client, error) {
	opts := append(e.clientOptions(), extra...)
	if !e.cfg.TLS.Enabled() {
		return duplex.NewClient(opts...), nil
	}

	h, err := clientHandshaker(e.cfg.TLS)
	if err != nil {
		return nil, err
	}
	return duplex.NewClient(append(opts, duplex.HandshakerOption(h))...), nil
}

// connect dials and returns once the client is connected or the attempt
// failed. ctx bounds the whole life of the connection.
func (e *env) connect(ctx context.Context, client *duplex.Client) error {
	cc := e.cfg.Client
	return client.Connect(ctx, cc.Host, cc.Port, cc.BufferSize)
}
