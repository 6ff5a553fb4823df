// SPDX-License-Identifier: GPL-3.0-or-later

package eventbus

import "fmt"

// SubscriberID identifies a subscriber by its owning module path and its
// qualified name within that module (spec §4.5: "derived from module path +
// qualified name so that removal and enable/disable can target either an
// individual function or an entire class"). QualifiedName is empty to target
// every subscriber registered under ModulePath at once.
type SubscriberID struct {
	ModulePath    string
	QualifiedName string
}

func (id SubscriberID) String() string {
	if id.QualifiedName == "" {
		return id.ModulePath
	}
	return fmt.Sprintf("%s.%s", id.ModulePath, id.QualifiedName)
}

// matchesClass reports whether disabling target (a bare module path) covers id.
func (id SubscriberID) matchesClass(target string) bool {
	return id.ModulePath == target
}
