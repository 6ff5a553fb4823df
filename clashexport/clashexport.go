// SPDX-License-Identifier: GPL-3.0-or-later

// Package clashexport aggregates every running addon's GetClashRules() into a
// single Clash-compatible rule-provider YAML document (spec §6.6).
package clashexport

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/wumode/mitmpilot-core/addonapi"
	"github.com/wumode/mitmpilot-core/rule"
)

// document is the Clash rule-provider payload shape: {payload: [...]}.
type document struct {
	Payload []string `yaml:"payload"`
}

// Export parses each running addon's GetClashRules() lines, drops ones that
// are not provider-valid (RULE-SET and SUB-RULE conditions, which reference
// something outside the exported document), re-serializes the rest with
// [rule.Serialize] (condition and action), and marshals the result as Clash rule-provider
// YAML (spec §6.6).
func Export(addons []addonapi.Lifecycle) ([]byte, error) {
	var payload []string
	for _, a := range addons {
		if a == nil || !a.GetState() {
			continue
		}
		provider, ok := a.(addonapi.HasClashRules)
		if !ok {
			continue
		}
		for _, line := range provider.GetClashRules() {
			node, err := rule.ParseLine(line)
			if err != nil {
				continue // malformed lines are dropped, not fatal to the export
			}
			if !providerValid(node) {
				continue
			}
			payload = append(payload, rule.Serialize(node))
		}
	}

	out, err := yaml.Marshal(document{Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("clashexport: marshal: %w", err)
	}
	return out, nil
}

// providerValid reports whether node may appear in a Clash rule-provider
// document: SUB-RULE conditions and RULE-SET leaves reference something
// external to the document itself, so neither is provider-valid.
func providerValid(node rule.Node) bool {
	switch n := node.(type) {
	case *rule.Sub:
		return false
	case *rule.Leaf:
		if n.Kind == rule.KindRuleSet {
			return false
		}
		if n.Kind == rule.KindDomain || n.Kind == rule.KindDomainSuffix {
			return rule.ValidDomainName(n.Payload)
		}
		return true
	case *rule.Logic:
		for _, c := range n.Conditions {
			if !providerValid(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
