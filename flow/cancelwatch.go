// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop cancelwatch.go
//

package flow

import (
	"context"
	"net"
)

// WatchConnClose arranges for conn to be closed when ctx is done (cancelled or
// deadline exceeded). The proxy master uses this so that a flow's client/server
// connections are torn down promptly on shutdown instead of lingering until the
// next blocking I/O call times out (spec §5 cooperative cancellation).
//
// The returned connection wraps conn; closing it unregisters the context watcher,
// so no goroutine leaks even if ctx is never cancelled.
func WatchConnClose(ctx context.Context, conn net.Conn) net.Conn {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}
}

type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
