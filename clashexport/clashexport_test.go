// SPDX-License-Identifier: GPL-3.0-or-later

package clashexport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wumode/mitmpilot-core/addonapi"
)

type fakeProvider struct {
	enabled bool
	rules   []string
}

func (f *fakeProvider) InitAddon(ctx context.Context, config map[string]any) error { return nil }
func (f *fakeProvider) GetState() bool                                            { return f.enabled }
func (f *fakeProvider) Describe() addonapi.Addon                                  { return addonapi.Addon{ID: "p"} }
func (f *fakeProvider) GetClashRules() []string                                   { return f.rules }

func TestExportAggregatesRunningAddonsOnly(t *testing.T) {
	running := &fakeProvider{enabled: true, rules: []string{"DOMAIN-SUFFIX,example.com,DIRECT"}}
	stopped := &fakeProvider{enabled: false, rules: []string{"DOMAIN-SUFFIX,ignored.com,DIRECT"}}

	out, err := Export([]addonapi.Lifecycle{running, stopped})
	require.NoError(t, err)

	var doc document
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, []string{"DOMAIN-SUFFIX,example.com,DIRECT"}, doc.Payload)
}

func TestExportDropsRuleSetAndSubRule(t *testing.T) {
	p := &fakeProvider{enabled: true, rules: []string{
		"RULE-SET,myset,DIRECT",
		"SUB-RULE,(NETWORK,TCP),DIRECT",
		"DOMAIN,example.com,PROXY",
	}}

	out, err := Export([]addonapi.Lifecycle{p})
	require.NoError(t, err)

	var doc document
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, []string{"DOMAIN,example.com,PROXY"}, doc.Payload)
}

func TestExportDropsInvalidDomainPayloads(t *testing.T) {
	p := &fakeProvider{enabled: true, rules: []string{
		"DOMAIN,not a domain,DIRECT",
		"DOMAIN,example.com,DIRECT",
	}}

	out, err := Export([]addonapi.Lifecycle{p})
	require.NoError(t, err)

	var doc document
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, []string{"DOMAIN,example.com,DIRECT"}, doc.Payload)
}

func TestExportSkipsMalformedLines(t *testing.T) {
	p := &fakeProvider{enabled: true, rules: []string{"NOT-A-REAL-KIND,x,DIRECT"}}
	out, err := Export([]addonapi.Lifecycle{p})
	require.NoError(t, err)

	var doc document
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Empty(t, doc.Payload)
}
