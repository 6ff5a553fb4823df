// SPDX-License-Identifier: GPL-3.0-or-later

package rule

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// ParseLine parses a single Clash-style rule text line (spec §4.1).
func ParseLine(line string) (Node, error) {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "AND,") || strings.HasPrefix(upper, "OR,") || strings.HasPrefix(upper, "NOT,"):
		return parseLogicRuleLine(line)
	case strings.HasPrefix(upper, "MATCH"):
		return parseMatchRuleLine(line)
	case strings.HasPrefix(upper, "SUB-RULE"):
		return parseSubRuleLine(line)
	default:
		return parseLeafRuleLine(line)
	}
}

// ParseRules parses multiple newline-separated rule lines, preserving order,
// skipping (not erroring on) lines that fail to parse — matching the source's
// `parse_rules` behavior of silently dropping malformed lines from a bulk import.
func ParseRules(text string) []Node {
	var rules []Node
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if node, err := ParseLine(line); err == nil {
			rules = append(rules, node)
		}
	}
	return rules
}

func parseMatchRuleLine(line string) (Node, error) {
	parts := strings.SplitN(line, ",", 2)
	if len(parts) < 2 {
		return nil, errMalformed(line, fmt.Errorf("invalid MATCH rule"))
	}
	return &Match{ActionText: strings.TrimSpace(parts[1]), RawText: line}, nil
}

func parseLeafRuleLine(line string) (Node, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 3 || len(parts) > 4 {
		return nil, errMalformed(line, fmt.Errorf("invalid rule format"))
	}
	kindStr := strings.ToUpper(strings.TrimSpace(parts[0]))
	payload := strings.TrimSpace(parts[1])
	action := strings.TrimSpace(parts[2])
	if payload == "" || kindStr == "" {
		return nil, errMalformed(line, fmt.Errorf("invalid rule format"))
	}
	extra := ""
	if len(parts) > 3 {
		extra = strings.TrimSpace(parts[3])
	}
	kind := Kind(kindStr)
	if !leafKinds[kind] {
		return nil, errUnknownKind(line, kindStr)
	}
	if err := validatePayload(kind, payload); err != nil {
		return nil, errInvalidPayload(line, err)
	}
	return &Leaf{Kind: kind, Payload: payload, Extra: extra, ActionText: action, RawText: line}, nil
}

func parseSubRuleLine(line string) (Node, error) {
	idx := strings.Index(line, ",")
	if idx < 0 {
		return nil, errMalformed(line, fmt.Errorf("invalid sub-rule format"))
	}
	rest := line[idx+1:]
	last := strings.LastIndex(rest, ",")
	if last < 0 {
		return nil, errMalformed(line, fmt.Errorf("invalid sub-rule format"))
	}
	conditionStr := rest[:last]
	actionStr := rest[last+1:]
	if balance := parenBalance(conditionStr); balance != 0 {
		return nil, errMalformed(line, fmt.Errorf("mismatched parentheses"))
	}
	conditions, err := parseLogicConditions(conditionStr, 0, line)
	if err != nil {
		return nil, err
	}
	if len(conditions) != 1 {
		return nil, errMalformed(line, fmt.Errorf("sub-rule requires exactly one condition"))
	}
	return &Sub{Condition: conditions[0], ActionText: strings.TrimSpace(actionStr), RawText: line}, nil
}

func parseLogicRuleLine(line string) (Node, error) {
	idx := strings.Index(line, ",")
	if idx < 0 {
		return nil, errMalformed(line, fmt.Errorf("invalid logic rule format"))
	}
	logicTypeStr := strings.ToUpper(strings.TrimSpace(line[:idx]))
	rest := line[idx+1:]
	last := strings.LastIndex(rest, ",")
	if last < 0 {
		return nil, errMalformed(line, fmt.Errorf("invalid logic rule format"))
	}
	actionStr := rest[last+1:]
	conditionsStr := rest[:last]
	if balance := parenBalance(conditionsStr); balance != 0 {
		return nil, errMalformed(line, fmt.Errorf("mismatched parentheses"))
	}
	conditions, err := parseLogicConditions(conditionsStr, 0, line)
	if err != nil {
		return nil, err
	}
	kind := LogicKind(logicTypeStr)
	switch kind {
	case LogicAnd, LogicOr:
		if len(conditions) < 1 {
			return nil, errMalformed(line, fmt.Errorf("%s requires at least one condition", kind))
		}
	case LogicNot:
		if len(conditions) != 1 {
			return nil, errMalformed(line, fmt.Errorf("NOT requires exactly one condition"))
		}
	default:
		return nil, errUnknownKind(line, logicTypeStr)
	}
	return &Logic{Kind: kind, Conditions: conditions, ActionText: strings.TrimSpace(actionStr), RawText: line}, nil
}

// parenBalance returns the final parenthesis balance of s. If the balance
// ever drops below zero it returns -1<<30 instead (the source returns None
// there), a value that is never zero, so callers reject it as unbalanced.
func parenBalance(s string) int {
	balance := 0
	for _, ch := range s {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
		}
		if balance < 0 {
			return -1 << 30
		}
	}
	return balance
}

// removeParenthesis strips redundant wrapping parentheses, one layer at a
// time, for as long as the top level carries no literal content of its own
// (only nested groups), matching `ClashRuleParser._remove_parenthesis`.
func removeParenthesis(s string) string {
	balance := 0
	var fields []string
	field := ""
	for _, ch := range s {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
		case ',':
			if balance == 1 {
				fields = append(fields, field)
			}
		default:
			if balance == 1 {
				field += string(ch)
			}
		}
	}
	any := false
	for _, f := range fields {
		if f != "" {
			any = true
			break
		}
	}
	if !any && len(s) >= 2 {
		return removeParenthesis(s[1 : len(s)-1])
	}
	return s
}

// extractConditionStrings finds the top-level "(...)" groups in s.
func extractConditionStrings(s string) []string {
	s = strings.ReplaceAll(s, " ", "")
	s = removeParenthesis(s)
	var groups []string
	balance := 0
	start := 0
	for i, ch := range s {
		switch ch {
		case '(':
			if balance == 0 {
				start = i
			}
			balance++
		case ')':
			balance--
			if balance == 0 {
				groups = append(groups, s[start:i+1])
			}
		}
	}
	return groups
}

func parseLogicConditions(conditionsStr string, depth int, origLine string) ([]Node, error) {
	if depth > MaxNestingDepth {
		return nil, errMalformed(origLine, fmt.Errorf("maximum rule nesting depth exceeded"))
	}
	conditionsStr = strings.TrimSpace(conditionsStr)
	if conditionsStr == "" {
		return nil, nil
	}
	var conditions []Node
	for _, condStr := range extractConditionStrings(conditionsStr) {
		condStr = strings.TrimSpace(condStr)
		if !strings.HasPrefix(condStr, "(") || !strings.HasSuffix(condStr, ")") {
			return nil, errMalformed(origLine, fmt.Errorf("invalid nested logic rule format: %s", condStr))
		}
		content := condStr[1 : len(condStr)-1]
		upperContent := strings.ToUpper(content)
		switch {
		case strings.HasPrefix(upperContent, "AND,") || strings.HasPrefix(upperContent, "OR,") || strings.HasPrefix(upperContent, "NOT,"):
			parts := strings.SplitN(content, ",", 2)
			logicTypeStr := strings.ToUpper(strings.TrimSpace(parts[0]))
			nested, err := parseLogicConditions("("+parts[1]+")", depth+1, origLine)
			if err != nil {
				return nil, err
			}
			kind := LogicKind(logicTypeStr)
			if kind == LogicNot && len(nested) != 1 {
				return nil, errMalformed(origLine, fmt.Errorf("NOT requires exactly one condition"))
			}
			if (kind == LogicAnd || kind == LogicOr) && len(nested) < 1 {
				return nil, errMalformed(origLine, fmt.Errorf("%s requires at least one condition", kind))
			}
			conditions = append(conditions, &Logic{Kind: kind, Conditions: nested, ActionText: "COMPATIBLE", RawText: content})
		default:
			parts := strings.SplitN(content, ",", 2)
			if len(parts) != 2 {
				return nil, errMalformed(origLine, fmt.Errorf("invalid rule format: %s", content))
			}
			kindStr := strings.ToUpper(strings.TrimSpace(parts[0]))
			kind := Kind(kindStr)
			if !leafKinds[kind] {
				return nil, errUnknownKind(origLine, kindStr)
			}
			payload := strings.TrimSpace(parts[1])
			if err := validatePayload(kind, payload); err != nil {
				return nil, errInvalidPayload(origLine, err)
			}
			conditions = append(conditions, &Leaf{Kind: kind, Payload: payload, ActionText: "COMPATIBLE", RawText: content})
		}
	}
	return conditions, nil
}

// validatePayload checks a leaf's payload against its kind (spec §3.2 invariants).
func validatePayload(kind Kind, payload string) error {
	switch kind {
	case KindIPCIDR, KindIPCIDR6, KindSrcIPCIDR:
		if _, _, err := net.ParseCIDR(payload); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", payload, err)
		}
	case KindIPSuffix, KindSrcIPSuffix:
		parts := strings.SplitN(payload, "/", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid IP-SUFFIX payload %q", payload)
		}
		if net.ParseIP(parts[0]) == nil {
			return fmt.Errorf("invalid IP %q", parts[0])
		}
		if _, err := strconv.Atoi(parts[1]); err != nil {
			return fmt.Errorf("invalid suffix length %q", parts[1])
		}
	case KindDomainRegex, KindProcessPathRegex:
		if _, err := regexp.Compile(payload); err != nil {
			return fmt.Errorf("invalid regex %q: %w", payload, err)
		}
	case KindDstPort, KindSrcPort:
		for _, tok := range splitPortTokens(payload) {
			if !validPortToken(tok) {
				return fmt.Errorf("invalid port token %q", tok)
			}
		}
	case KindNetwork:
		upper := strings.ToUpper(payload)
		if upper != "TCP" && upper != "UDP" {
			return fmt.Errorf("invalid NETWORK payload %q", payload)
		}
	default:
		// DOMAIN, DOMAIN-SUFFIX, DOMAIN-KEYWORD, DOMAIN-WILDCARD, PROCESS-NAME,
		// PROCESS-PATH, GEOIP, RULE-SET: any non-empty payload is accepted.
	}
	return nil
}

func splitPortTokens(payload string) []string {
	return strings.FieldsFunc(payload, func(r rune) bool { return r == ',' || r == '/' })
}

func validPortToken(tok string) bool {
	if strings.Contains(tok, "-") {
		bounds := strings.SplitN(tok, "-", 2)
		if len(bounds) != 2 {
			return false
		}
		_, err1 := strconv.Atoi(bounds[0])
		_, err2 := strconv.Atoi(bounds[1])
		return err1 == nil && err2 == nil
	}
	_, err := strconv.Atoi(tok)
	return err == nil
}
