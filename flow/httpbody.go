// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop httpbody.go
//

package flow

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wumode/mitmpilot-core/obslog"
)

// WrapBody wraps a [Flow] request/response body (spec §3.1 "body (optional
// streaming)") so that reads and the final close are logged lazily: a
// flowBodyStreamStart event on the first Read, and flowBodyStreamDone on Close
// (only if at least one Read happened). This lets hooks stream large bodies
// without forcing an eager read while still giving operators visibility into
// how much of a body was actually consumed.
func WrapBody(body io.ReadCloser, classifier obslog.ErrClassifier, logger obslog.SLogger, timeNow func() time.Time) io.ReadCloser {
	if body == nil {
		return nil
	}
	if timeNow == nil {
		timeNow = time.Now
	}
	return &bodyWrapper{body: body, classifier: classifier, logger: logger, timeNow: timeNow}
}

type bodyWrapper struct {
	body       io.ReadCloser
	didRead    atomic.Bool
	classifier obslog.ErrClassifier
	logger     obslog.SLogger
	closeOnce  sync.Once
	readOnce   sync.Once
	t0         time.Time
	timeNow    func() time.Time
}

var _ io.ReadCloser = &bodyWrapper{}

// Close implements [io.ReadCloser].
func (b *bodyWrapper) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.body.Close()
		if b.didRead.Load() {
			b.logger.Info("flowBodyStreamDone",
				slog.Any("err", err),
				slog.String("errClass", b.classifier.Classify(err)),
				slog.Time("t0", b.t0),
				slog.Time("t", b.timeNow()),
			)
		}
	})
	return
}

// Read implements [io.ReadCloser].
func (b *bodyWrapper) Read(buffer []byte) (int, error) {
	b.readOnce.Do(func() {
		b.t0 = b.timeNow()
		b.didRead.Store(true)
		b.logger.Info("flowBodyStreamStart", slog.Time("t", b.t0))
	})
	return b.body.Read(buffer)
}
