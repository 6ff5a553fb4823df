// SPDX-License-Identifier: GPL-3.0-or-later

package rule

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wumode/mitmpilot-core/flow"
)

func newHTTPFlow(host string, serverPort, clientPort uint16) *flow.Flow {
	f := flow.NewFlow(flow.TypeHTTP)
	f.Request.Host = host
	f.ServerAddr = netip.AddrPortFrom(netip.MustParseAddr("93.184.216.34"), serverPort)
	f.ClientAddr = netip.AddrPortFrom(netip.MustParseAddr("192.168.1.50"), clientPort)
	return f
}

// S1: AND(NOT(DST-PORT), DOMAIN-SUFFIX) style composite rule.
func TestScenarioAndNotDstPort(t *testing.T) {
	node, err := ParseLine("AND,((DOMAIN-SUFFIX,example.com),(NOT,(DST-PORT,80))),REJECT")
	require.NoError(t, err)

	matchOn443 := newHTTPFlow("www.example.com", 443, 51000)
	assert.True(t, Matches(node, matchOn443))

	matchOn80 := newHTTPFlow("www.example.com", 80, 51000)
	assert.False(t, Matches(node, matchOn80))

	wrongHost := newHTTPFlow("other.com", 443, 51000)
	assert.False(t, Matches(node, wrongHost))
}

// S2: DOMAIN-WILDCARD variants.
func TestScenarioDomainWildcard(t *testing.T) {
	cases := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"*.example.com", "foo.example.com", true},
		{"*.example.com", "a.foo.example.com", false},
		{"*.example.com", "example.com", false},
		{"+.example.com", "example.com", true},
		{"+.example.com", "a.b.example.com", true},
		{".example.com", "example.com", false},
		{".example.com", "foo.example.com", true},
	}
	for _, c := range cases {
		node, err := ParseLine("DOMAIN-WILDCARD," + c.pattern + ",DIRECT")
		require.NoError(t, err)
		f := newHTTPFlow(c.host, 443, 1)
		assert.Equalf(t, c.want, Matches(node, f), "pattern=%s host=%s", c.pattern, c.host)
	}
}

// S3: IP-CIDR and IP-SUFFIX.
func TestScenarioIPCIDRAndSuffix(t *testing.T) {
	node, err := ParseLine("IP-CIDR,93.184.216.0/24,DIRECT")
	require.NoError(t, err)
	assert.True(t, Matches(node, newHTTPFlow("x", 443, 1)))

	outside := newHTTPFlow("x", 443, 1)
	outside.ServerAddr = netip.AddrPortFrom(netip.MustParseAddr("1.1.1.1"), 443)
	assert.False(t, Matches(node, outside))

	suffixNode, err := ParseLine("IP-SUFFIX,0.0.0.34/8,DIRECT")
	require.NoError(t, err)
	assert.True(t, Matches(suffixNode, newHTTPFlow("x", 443, 1)))
}

// P1: parse(serialize(parse(line))) is structurally equivalent to parse(line).
func TestPropertyParseSerializeRoundTrip(t *testing.T) {
	lines := []string{
		"DOMAIN,example.com,DIRECT",
		"DOMAIN-SUFFIX,example.com,REJECT",
		"AND,((DOMAIN-SUFFIX,example.com),(NOT,(DST-PORT,80))),REJECT",
		"OR,((DOMAIN,a.com),(DOMAIN,b.com)),PROXY",
		"MATCH,DIRECT",
	}
	for _, line := range lines {
		node, err := ParseLine(line)
		require.NoError(t, err)
		again, err := ParseLine(Serialize(node))
		require.NoError(t, err, "re-parsing serialized form of %q", line)
		assert.Equal(t, node.Action(), again.Action())
		assert.Equal(t, Serialize(node), Serialize(again), "canonical form of %q is a fixed point", line)
	}
}

// Unknown rule kinds are rejected with a classified error.
func TestPropertyUnknownKindRejected(t *testing.T) {
	_, err := ParseLine("BOGUS-KIND,foo,DIRECT")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "UnknownRuleKind", perr.Class)
}

// Malformed payloads are rejected per-kind (CIDR, regex).
func TestPropertyInvalidPayloadRejected(t *testing.T) {
	_, err := ParseLine("IP-CIDR,not-a-cidr,DIRECT")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "InvalidPayload", perr.Class)

	_, err = ParseLine("DOMAIN-REGEX,(unclosed,DIRECT")
	require.Error(t, err)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "InvalidPayload", perr.Class)
}

// Nesting beyond MaxNestingDepth is rejected instead of overflowing the stack.
func TestPropertyNestingDepthBounded(t *testing.T) {
	cond := "(DST-PORT,80)"
	for i := 0; i < MaxNestingDepth+4; i++ {
		cond = "(NOT," + cond + ")"
	}
	line := "NOT," + cond + ",DIRECT"
	_, err := ParseLine(line)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MalformedExpression", perr.Class)
}

func TestSubRuleAndRuleSetNeverMatchHookDispatch(t *testing.T) {
	sub, err := ParseLine("SUB-RULE,(DOMAIN,example.com),MySubRule")
	require.NoError(t, err)
	assert.False(t, Matches(sub, newHTTPFlow("example.com", 443, 1)))

	ruleSet, err := ParseLine("RULE-SET,myset,DIRECT")
	require.NoError(t, err)
	assert.False(t, Matches(ruleSet, newHTTPFlow("example.com", 443, 1)))
}

func TestMatchRuleAlwaysMatches(t *testing.T) {
	node, err := ParseLine("MATCH,DIRECT")
	require.NoError(t, err)
	assert.True(t, Matches(node, newHTTPFlow("anything", 1, 1)))
}

func TestNetworkKindCaseInsensitiveUpper(t *testing.T) {
	node, err := ParseLine("NETWORK,tcp,DIRECT")
	require.NoError(t, err)
	f := newHTTPFlow("x", 1, 1)
	f.Transport = flow.NetworkTCP
	assert.True(t, Matches(node, f))
	f.Transport = flow.NetworkUDP
	assert.False(t, Matches(node, f))
}
