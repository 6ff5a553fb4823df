// SPDX-License-Identifier: GPL-3.0-or-later

package proxymaster

import (
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// SanitizeHeaders drops any header name/value pair a hook wrote that is not
// valid per RFC 7230, so a misbehaving addon cannot smuggle a malformed
// header into the forwarded request/response (spec §4.1 "hooks may mutate
// any field" carries an implicit validity obligation on the engine boundary).
func SanitizeHeaders(h http.Header) {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			delete(h, name)
			continue
		}
		kept := values[:0]
		for _, v := range values {
			if httpguts.ValidHeaderFieldValue(v) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(h, name)
		} else {
			h[name] = kept
		}
	}
}
