// SPDX-License-Identifier: GPL-3.0-or-later

package rule

import "strings"

// Serialize renders node back to Clash rule text. It is the inverse of
// [ParseLine]: parsing Serialize's output reproduces a structurally equivalent
// tree (spec §8 property P1), though not necessarily byte-identical to
// whatever the original input text looked like (whitespace is normalized).
func Serialize(node Node) string {
	switch n := node.(type) {
	case *Leaf:
		if n.Extra != "" {
			return strings.Join([]string{string(n.Kind), n.Payload, n.ActionText, n.Extra}, ",")
		}
		return strings.Join([]string{string(n.Kind), n.Payload, n.ActionText}, ",")
	case *Logic:
		conds := make([]string, len(n.Conditions))
		for i, c := range n.Conditions {
			conds[i] = "(" + serializeNested(c) + ")"
		}
		return string(n.Kind) + "," + strings.Join(conds, ",") + "," + n.ActionText
	case *Sub:
		return "SUB-RULE,(" + serializeNested(n.Condition) + ")," + n.ActionText
	case *Match:
		return "MATCH," + n.ActionText
	default:
		return ""
	}
}

// serializeNested renders a condition as it appears nested inside a logic
// rule's parenthesized group, i.e. without the trailing action (nested
// conditions always carry the implicit "COMPATIBLE" action, per
// [parseLogicConditions]).
func serializeNested(node Node) string {
	switch n := node.(type) {
	case *Leaf:
		return string(n.Kind) + "," + n.Payload
	case *Logic:
		conds := make([]string, len(n.Conditions))
		for i, c := range n.Conditions {
			conds[i] = "(" + serializeNested(c) + ")"
		}
		return string(n.Kind) + "," + strings.Join(conds, ",")
	default:
		return Serialize(node)
	}
}
