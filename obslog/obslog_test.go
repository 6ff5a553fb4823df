// SPDX-License-Identifier: GPL-3.0-or-later

package obslog

import (
	"context"
	"testing"

	"github.com/bassosimone/errclass"
	"github.com/stretchr/testify/assert"
)

func TestDefaultSLoggerDiscards(t *testing.T) {
	logger := DefaultSLogger()
	assert.NotPanics(t, func() {
		logger.Debug("debug", "k", "v")
		logger.Info("info")
		logger.Warn("warn")
		logger.Error("error")
	})
}

func TestDefaultErrClassifier(t *testing.T) {
	assert.Equal(t, "", DefaultErrClassifier.Classify(nil))
	assert.Equal(t, "", DefaultErrClassifier.Classify(context.DeadlineExceeded))
}

func TestErrClassifierFuncWrapsErrclass(t *testing.T) {
	classifier := ErrClassifierFunc(errclass.New)
	assert.Equal(t, "ETIMEDOUT", classifier.Classify(context.DeadlineExceeded))
	assert.Equal(t, "", classifier.Classify(nil))
}
