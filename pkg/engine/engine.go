package engine

import (
	"net/http"
	"strings"
)

// Rule is a single matched rule as produced by the rule-matching engine
type Rule struct {
	RawPattern string
	Matcher    string
	Port       string
}

const pluginProtocol = "plugin://"

// URL returns the rule target, i.e. the matcher without any trailing
// whitespace separated filters. A `plugin://name(arg)` argument may itself
// contain whitespace and is kept whole.
func (r *Rule) URL() string {
	if r == nil {
		return ""
	}

	matcher := strings.TrimSpace(r.Matcher)
	if strings.HasPrefix(matcher, pluginProtocol) {
		if end := callEnd(matcher); end > 0 {
			return matcher[:end]
		}
	}

	if idx := strings.IndexAny(matcher, " \t"); idx >= 0 {
		return matcher[:idx]
	}

	return matcher
}

// callEnd returns the index after the balanced `)` closing the argument of a
// plugin call when it ends the matcher or is followed by whitespace, 0 otherwise.
func callEnd(matcher string) int {
	start := strings.Index(matcher, "(")
	if start < 0 || strings.ContainsAny(matcher[:start], " \t") {
		return 0
	}

	depth := 0
	for i := start; i < len(matcher); i++ {
		switch matcher[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth > 0 {
				continue
			}
			if i+1 == len(matcher) || matcher[i+1] == ' ' || matcher[i+1] == '\t' {
				return i + 1
			}
			return 0
		}
	}

	return 0
}

// Value returns the part of the matcher after the protocol separator.
// `foo://bar` yields `bar`, `foo(bar)` yields `bar`.
func (r *Rule) Value() string {
	if r == nil {
		return ""
	}

	target := r.URL()
	if idx := strings.Index(target, "://"); idx >= 0 {
		return target[idx+3:]
	}

	if start := strings.Index(target, "("); start >= 0 && strings.HasSuffix(target, ")") {
		return target[start+1 : len(target)-1]
	}

	return ""
}

// Protocol returns the matcher protocol without the trailing colon, or "" if none.
func (r *Rule) Protocol() string {
	target := r.URL()
	if idx := strings.Index(target, ":"); idx > 0 {
		return target[:idx]
	}

	return ""
}

// MatchedRules is the set of rules the engine matched for the current request
type MatchedRules struct {
	Host    *Rule
	Rule    *Rule
	Proxy   *Rule
	PAC     *Rule
	Plugins []*Rule // explicit plugin(...) rules in declaration order
}

// Merge overwrites the receiver's rules with any rule set in other
func (m *MatchedRules) Merge(other *MatchedRules) {
	if m == nil || other == nil {
		return
	}

	if other.Host != nil {
		m.Host = other.Host
	}
	if other.Rule != nil {
		m.Rule = other.Rule
	}
	if other.Proxy != nil {
		m.Proxy = other.Proxy
	}
	if other.PAC != nil {
		m.PAC = other.PAC
	}
	if len(other.Plugins) > 0 {
		m.Plugins = append(m.Plugins, other.Plugins...)
	}
}

// RuleText is one plugin's rule contribution
type RuleText struct {
	Text   string
	Values map[string]string
	Root   string
}

// Engine resolves rules against the proxy's own rule base
type Engine interface {
	ResolvePrimaryRule(url string) *Rule
	ResolveNextRule(url string, offset int) *Rule
}

// RuleSet is a rule container built from plugin rule text
type RuleSet interface {
	Parse(texts []RuleText)
	ResolveRules(url string) *MatchedRules
}

// RuleSetFactory creates an empty RuleSet using values for substitutions
type RuleSetFactory func(values map[string]string) RuleSet

// Appender receives the always-on rule text of enabled plugins
type Appender interface {
	ClearAppend()
	Append(text, root string)
}

// ScriptRunner evaluates an inline response script
type ScriptRunner interface {
	ExecRulesScript(script string, reqHeader http.Header, statusCode int, resHeader http.Header) *RuleText
}
