// SPDX-License-Identifier: GPL-3.0-or-later

// Package rule implements the Clash-style rule parser (C1, spec §4.1) and the
// flow matcher (C2, spec §4.2) used to decide hook dispatch.
package rule

// Kind identifies a leaf rule's condition class (spec §3.2).
type Kind string

const (
	KindDomain          Kind = "DOMAIN"
	KindDomainSuffix     Kind = "DOMAIN-SUFFIX"
	KindDomainKeyword    Kind = "DOMAIN-KEYWORD"
	KindDomainRegex      Kind = "DOMAIN-REGEX"
	KindDomainWildcard   Kind = "DOMAIN-WILDCARD"
	KindIPCIDR           Kind = "IP-CIDR"
	KindIPCIDR6          Kind = "IP-CIDR6"
	KindIPSuffix         Kind = "IP-SUFFIX"
	KindSrcIPCIDR        Kind = "SRC-IP-CIDR"
	KindSrcIPSuffix      Kind = "SRC-IP-SUFFIX"
	KindDstPort          Kind = "DST-PORT"
	KindSrcPort          Kind = "SRC-PORT"
	KindNetwork          Kind = "NETWORK"
	KindProcessName      Kind = "PROCESS-NAME"
	KindProcessPath      Kind = "PROCESS-PATH"
	KindProcessPathRegex Kind = "PROCESS-PATH-REGEX"
	KindGeoIP            Kind = "GEOIP"
	KindRuleSet          Kind = "RULE-SET"

	// logical/structural kinds, not leaves
	kindAnd     Kind = "AND"
	kindOr      Kind = "OR"
	kindNot     Kind = "NOT"
	kindMatch   Kind = "MATCH"
	kindSubRule Kind = "SUB-RULE"
)

// leafKinds is the set of recognized leaf kinds; anything else is UnknownRuleKind.
var leafKinds = map[Kind]bool{
	KindDomain: true, KindDomainSuffix: true, KindDomainKeyword: true,
	KindDomainRegex: true, KindDomainWildcard: true,
	KindIPCIDR: true, KindIPCIDR6: true, KindIPSuffix: true,
	KindSrcIPCIDR: true, KindSrcIPSuffix: true,
	KindDstPort: true, KindSrcPort: true, KindNetwork: true,
	KindProcessName: true, KindProcessPath: true, KindProcessPathRegex: true,
	KindGeoIP: true, KindRuleSet: true,
}

// Node is any parsed rule tree: [*Leaf], [*Logic], [*Sub] or [*Match].
type Node interface {
	// Action returns the opaque routing action string carried by the rule.
	// The rule engine never interprets it; only hook dispatch's condition matters.
	Action() string
	// Raw returns the original text this node was parsed from, if any.
	Raw() string
	node()
}

// Leaf is a single condition on a [Flow]-like value (spec §3.2 LeafRule).
type Leaf struct {
	Kind    Kind
	Payload string
	Extra   string
	RawText string
	ActionText string
}

func (l *Leaf) Action() string { return l.ActionText }
func (l *Leaf) Raw() string    { return l.RawText }
func (*Leaf) node()            {}

// LogicKind is AND, OR or NOT.
type LogicKind string

const (
	LogicAnd LogicKind = "AND"
	LogicOr  LogicKind = "OR"
	LogicNot LogicKind = "NOT"
)

// Logic is a logical combinator over one or more conditions (spec §3.2 LogicRule).
type Logic struct {
	Kind       LogicKind
	Conditions []Node
	RawText    string
	ActionText string
}

func (l *Logic) Action() string { return l.ActionText }
func (l *Logic) Raw() string    { return l.RawText }
func (*Logic) node()            {}

// Sub is a named proxy-routing sub-rule (spec §3.2 SubRule). It is never matched
// by the hook engine (always false); kept only for config export parity.
type Sub struct {
	Condition  Node
	RawText    string
	ActionText string
}

func (s *Sub) Action() string { return s.ActionText }
func (s *Sub) Raw() string    { return s.RawText }
func (*Sub) node()            {}

// Match is the unconditional tail rule (spec §3.2 MatchRule).
type Match struct {
	RawText    string
	ActionText string
}

func (m *Match) Action() string { return m.ActionText }
func (m *Match) Raw() string    { return m.RawText }
func (*Match) node()            {}
