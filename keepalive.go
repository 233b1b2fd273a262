package duplex

import (
	"net"
	"time"
)

// KeepAlive tunes OS-level TCP keep-alive probing for a socket.
type KeepAlive struct {
	// Idle is how long a connection stays idle before the first probe.
	Idle time.Duration
	// Interval is the time between unanswered probes.
	Interval time.Duration
	// Count is the number of unanswered probes before the peer is declared dead.
	Count int
}

// DefaultClientKeepAlive is applied to client sockets: 900s idle, 300s interval, 5 probes.
var DefaultClientKeepAlive = KeepAlive{
	Idle:     900 * time.Second,
	Interval: 300 * time.Second,
	Count:    5,
}

// DefaultServerKeepAlive is applied to accepted sockets: 900s idle, 300s interval, 15 probes.
var DefaultServerKeepAlive = KeepAlive{
	Idle:     900 * time.Second,
	Interval: 300 * time.Second,
	Count:    15,
}

func (k KeepAlive) config() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     k.Idle,
		Interval: k.Interval,
		Count:    k.Count,
	}
}

// tuneTCP applies the client socket options: Nagle disabled, send/receive
// buffers sized to bufferSize and keep-alive enabled.
func tuneTCP(conn *net.TCPConn, bufferSize int, ka KeepAlive) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetReadBuffer(bufferSize); err != nil {
		return err
	}
	if err := conn.SetWriteBuffer(bufferSize); err != nil {
		return err
	}
	return conn.SetKeepAliveConfig(ka.config())
}

// tuneAccepted applies the options accepted sockets get: Nagle disabled and
// keep-alive enabled. Kernel buffer sizes are left alone; bufferSize only
// bounds each read.
func tuneAccepted(conn *net.TCPConn, ka KeepAlive) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	return conn.SetKeepAliveConfig(ka.config())
}
