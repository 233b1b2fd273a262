package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/duplex"
)

// Echo server: every chunk a peer sends is written back to it. The server's
// connection registry is printed whenever a peer joins or leaves.
func main() {
	var server *duplex.Server
	server = duplex.NewServer(
		duplex.ServerHostOption("127.0.0.1"),
		duplex.OnConnectOption(func(conn *duplex.Conn) {
			slog.Info("add new conn", "id", conn.ID(), "addr", conn.Addr(), "total", len(server.Conns()))
		}),
		duplex.OnConnMessageOption(func(conn *duplex.Conn, m duplex.Message) error {
			return conn.Send(m.Body())
		}),
		duplex.OnDisconnectOption(func(conn *duplex.Conn, err error) {
			slog.Info("conn closed", "id", conn.ID(), "error", err)
		}),
		duplex.OnConnErrorOption(func(err error) duplex.ErrorAction {
			slog.Error("connection error", "error", err)
			return duplex.Disconnect
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx, 12345, duplex.DefaultBufferSize); err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	slog.Info("server start", "addr", server.Addr())

	<-ctx.Done()
	slog.Info("shutting down server...")
	if err := server.Stop(); err != nil {
		slog.Error("server error", "error", err)
	}
}
