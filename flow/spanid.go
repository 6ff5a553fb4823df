// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop spanid.go
//

package flow

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewFlowID returns a UUIDv7 identifying a single flow (spec §3.1, §3.5 Event.id).
//
// A flow ID correlates log lines, cache entries and broadcast/chain event payloads
// for the one request/response round the flow represents. UUIDv7 keeps flow IDs
// roughly time-ordered, which makes them useful as secondary sort keys in log
// tooling without needing an additional timestamp column.
//
// This function panics if the system random number generator fails, which should
// only happen under extraordinary circumstances.
func NewFlowID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
