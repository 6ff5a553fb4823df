// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop observeconn.go
//

package flow

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/wumode/mitmpilot-core/obslog"
)

// ObserveConn wraps conn so that failed reads and writes (at Debug level) and
// the first Close (at Info level) on the client or server connection backing a
// [Flow] are logged through logger, with errors classified by classifier;
// successful reads and writes are not logged. The proxy master uses this to give addons and operators
// visibility into the underlying TCP/TLS traffic without duplicating mitmproxy's
// own connection machinery (spec §1 treats the MITM engine as a black box; this
// only observes the net.Conn it hands us).
func ObserveConn(conn net.Conn, classifier obslog.ErrClassifier, logger obslog.SLogger, timeNow func() time.Time) net.Conn {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &observedConn{
		conn:      conn,
		laddr:     safeconn.LocalAddr(conn),
		raddr:     safeconn.RemoteAddr(conn),
		protocol:  safeconn.Network(conn),
		classifier: classifier,
		logger:    logger,
		timeNow:   timeNow,
	}
}

type observedConn struct {
	closeonce  sync.Once
	conn       net.Conn
	laddr      string
	raddr      string
	protocol   string
	classifier obslog.ErrClassifier
	logger     obslog.SLogger
	timeNow    func() time.Time
}

var _ net.Conn = &observedConn{}

// Close implements [net.Conn].
func (c *observedConn) Close() (err error) {
	err = net.ErrClosed
	c.closeonce.Do(func() {
		t0 := c.timeNow()
		err = c.conn.Close()
		c.logger.Info("flowConnClose",
			slog.Any("err", err),
			slog.String("errClass", c.classifier.Classify(err)),
			slog.String("localAddr", c.laddr),
			slog.String("protocol", c.protocol),
			slog.String("remoteAddr", c.raddr),
			slog.Time("t0", t0),
			slog.Time("t", c.timeNow()),
		)
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *observedConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr implements [net.Conn].
func (c *observedConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Read implements [net.Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	count, err := c.conn.Read(buf)
	if err != nil {
		c.logger.Debug("flowConnReadErr",
			slog.Any("err", err),
			slog.String("errClass", c.classifier.Classify(err)),
			slog.String("localAddr", c.laddr),
			slog.String("remoteAddr", c.raddr),
		)
	}
	return count, err
}

// Write implements [net.Conn].
func (c *observedConn) Write(data []byte) (int, error) {
	count, err := c.conn.Write(data)
	if err != nil {
		c.logger.Debug("flowConnWriteErr",
			slog.Any("err", err),
			slog.String("errClass", c.classifier.Classify(err)),
			slog.String("localAddr", c.laddr),
			slog.String("remoteAddr", c.raddr),
		)
	}
	return count, err
}

// SetDeadline implements [net.Conn].
func (c *observedConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline implements [net.Conn].
func (c *observedConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline implements [net.Conn].
func (c *observedConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
