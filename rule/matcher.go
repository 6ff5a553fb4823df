// SPDX-License-Identifier: GPL-3.0-or-later

package rule

import (
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/wumode/mitmpilot-core/flow"
)

// Matches reports whether f satisfies node (spec §4.2 Flow Matcher). SUB-RULE
// and RULE-SET conditions always evaluate false for hook dispatch: they only
// have meaning inside the proxy's own routing decision, never inside an
// addon hook's gating rule (spec §4.2, §9 Open Questions).
func Matches(node Node, f *flow.Flow) bool {
	if node == nil || f == nil {
		return false
	}
	switch n := node.(type) {
	case *Leaf:
		return matchLeaf(n, f)
	case *Logic:
		return matchLogic(n, f)
	case *Sub:
		return false
	case *Match:
		return true
	default:
		return false
	}
}

func matchLogic(n *Logic, f *flow.Flow) bool {
	switch n.Kind {
	case LogicAnd:
		for _, c := range n.Conditions {
			if !Matches(c, f) {
				return false
			}
		}
		return true
	case LogicOr:
		for _, c := range n.Conditions {
			if Matches(c, f) {
				return true
			}
		}
		return false
	case LogicNot:
		if len(n.Conditions) != 1 {
			return false
		}
		return !Matches(n.Conditions[0], f)
	default:
		return false
	}
}

func matchLeaf(n *Leaf, f *flow.Flow) bool {
	switch n.Kind {
	case KindDomain:
		return normalizeDomain(flowHost(f)) == normalizeDomain(n.Payload)
	case KindDomainSuffix:
		host := normalizeDomain(flowHost(f))
		payload := normalizeDomain(n.Payload)
		return host == payload || strings.HasSuffix(host, "."+payload)
	case KindDomainKeyword:
		return strings.Contains(normalizeDomain(flowHost(f)), normalizeDomain(n.Payload))
	case KindDomainRegex:
		re, err := regexp.Compile(n.Payload)
		if err != nil {
			return false
		}
		return re.MatchString(normalizeDomain(flowHost(f)))
	case KindDomainWildcard:
		return matchDomainWildcard(n.Payload, normalizeDomain(flowHost(f)))
	case KindIPCIDR, KindIPCIDR6:
		return matchCIDR(n.Payload, f.ServerIP())
	case KindIPSuffix:
		return matchIPSuffix(n.Payload, f.ServerIP())
	case KindSrcIPCIDR:
		return matchCIDR(n.Payload, f.ClientIP())
	case KindSrcIPSuffix:
		return matchIPSuffix(n.Payload, f.ClientIP())
	case KindDstPort:
		return matchPort(n.Payload, int(f.ServerAddr.Port()))
	case KindSrcPort:
		return matchPort(n.Payload, int(f.ClientAddr.Port()))
	case KindNetwork:
		want := strings.ToUpper(n.Payload)
		got := "TCP"
		if f.Transport == flow.NetworkUDP {
			got = "UDP"
		}
		return want == got
	case KindRuleSet, KindGeoIP, KindProcessName, KindProcessPath, KindProcessPathRegex:
		// Not resolvable from a Flow's data alone in this implementation; these
		// kinds only apply to the proxy's own outbound routing table, never to
		// hook dispatch, so they never match here.
		return false
	default:
		return false
	}
}

func flowHost(f *flow.Flow) string {
	if f.Request == nil {
		return ""
	}
	return f.Request.Host
}

// matchDomainWildcard implements Clash's four DOMAIN-WILDCARD shapes:
//
//	"*.example.com"  matches exactly one label before example.com
//	"+.example.com"  matches example.com itself or any depth of subdomain
//	".example.com"   matches any subdomain but not example.com itself
//	anything else is compiled to a regex by substituting "*" -> ".*"
func matchDomainWildcard(pattern, host string) bool {
	switch {
	case strings.HasPrefix(pattern, "+."):
		suffix := pattern[1:] // ".example.com"
		base := pattern[2:]   // "example.com"
		return host == base || strings.HasSuffix(host, suffix)
	case strings.HasPrefix(pattern, "*."):
		rest := pattern[2:]
		if !strings.HasSuffix(host, "."+rest) {
			return false
		}
		label := strings.TrimSuffix(host, "."+rest)
		return label != "" && !strings.Contains(label, ".")
	case strings.HasPrefix(pattern, "."):
		base := pattern[1:]
		return host != base && strings.HasSuffix(host, pattern)
	default:
		re, err := regexp.Compile("^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$")
		if err != nil {
			return false
		}
		return re.MatchString(host)
	}
}

func matchCIDR(payload string, addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	_, ipnet, err := net.ParseCIDR(payload)
	if err != nil {
		return false
	}
	return ipnet.Contains(net.IP(addr.AsSlice()))
}

// matchIPSuffix reports whether addr shares the low bitLen bits of the payload
// IP, restricted to the same address family (spec §4.2 IP-SUFFIX semantics).
func matchIPSuffix(payload string, addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	parts := strings.SplitN(payload, "/", 2)
	if len(parts) != 2 {
		return false
	}
	want, err := netip.ParseAddr(parts[0])
	if err != nil {
		return false
	}
	bits, err := strconv.Atoi(parts[1])
	if err != nil || bits < 0 {
		return false
	}
	if want.Is4() != addr.Is4() {
		return false
	}
	wantBytes := want.AsSlice()
	gotBytes := addr.AsSlice()
	total := len(wantBytes) * 8
	if bits > total {
		bits = total
	}
	// Compare the low bits bits, walking from the last bit backward.
	for i := 0; i < bits; i++ {
		idx := total - 1 - i
		byteIdx := idx / 8
		bitIdx := 7 - (idx % 8)
		wb := (wantBytes[byteIdx] >> bitIdx) & 1
		gb := (gotBytes[byteIdx] >> bitIdx) & 1
		if wb != gb {
			return false
		}
	}
	return true
}

// matchPort parses a comma/slash-separated list of ports and ranges ("80",
// "80,443", "1000-2000", "80/443/1000-2000") and reports whether port is
// contained in any of them.
func matchPort(payload string, port int) bool {
	for _, tok := range splitPortTokens(payload) {
		if strings.Contains(tok, "-") {
			bounds := strings.SplitN(tok, "-", 2)
			if len(bounds) != 2 {
				continue
			}
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				continue
			}
			if port >= lo && port <= hi {
				return true
			}
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if n == port {
			return true
		}
	}
	return false
}
