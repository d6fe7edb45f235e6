package engine

import (
	"net"
	"strings"
	"sync"
)

type ruleLine struct {
	pattern  string
	matchers []string
	root     string
}

// Simple is a minimal line based rule engine: every non comment line is
// `pattern matcher [matcher...]`. A pattern of `*` matches any url, otherwise
// the url (without scheme) must start with the pattern. When several lines
// match, the last one wins. `{key}` in a matcher is replaced with values[key].
type Simple struct {
	mu       sync.RWMutex
	values   map[string]string
	base     []ruleLine
	appended []ruleLine
}

// NewSimple creates an engine with values used for `{key}` substitution
func NewSimple(values map[string]string) *Simple {
	if values == nil {
		values = map[string]string{}
	}

	return &Simple{values: values}
}

// NewSimpleRuleSet is a RuleSetFactory for Simple engines
func NewSimpleRuleSet(values map[string]string) RuleSet {
	return NewSimple(values)
}

func parseLines(text, root string) []ruleLine {
	var lines []ruleLine

	for _, line := range strings.Split(text, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		lines = append(lines, ruleLine{pattern: fields[0], matchers: fields[1:], root: root})
	}

	return lines
}

// SetRules replaces the base rule text
func (s *Simple) SetRules(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = parseLines(text, "")
}

// Parse appends each text to the rule base, merging its values into the engine values
func (s *Simple) Parse(texts []RuleText) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range texts {
		s.base = append(s.base, parseLines(t.Text, t.Root)...)
		for k, v := range t.Values {
			if _, ok := s.values[k]; !ok {
				s.values[k] = v
			}
		}
	}
}

func (s *Simple) ClearAppend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = nil
}

func (s *Simple) Append(text, root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, parseLines(text, root)...)
}

func (s *Simple) substitute(matcher string) string {
	start := strings.Index(matcher, "{")
	end := strings.LastIndex(matcher, "}")
	if start < 0 || end <= start {
		return matcher
	}

	if value, ok := s.values[matcher[start+1:end]]; ok {
		return matcher[:start] + value + matcher[end+1:]
	}

	return matcher
}

func matchPattern(pattern, url string) bool {
	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "://") {
		return strings.HasPrefix(url, pattern)
	}

	if idx := strings.Index(url, "://"); idx >= 0 {
		url = url[idx+3:]
	}

	return strings.HasPrefix(url, pattern)
}

type ruleClass int

const (
	classRule ruleClass = iota
	classHost
	classProxy
	classPAC
	classPlugin
)

func classify(rule *Rule) ruleClass {
	protocol := rule.Protocol()
	switch {
	case protocol == "host":
		return classHost
	case protocol == "proxy" || protocol == "http-proxy" || protocol == "socks":
		return classProxy
	case protocol == "pac":
		return classPAC
	case protocol == "plugin" || strings.HasPrefix(protocol, "plugin."):
		return classPlugin
	case net.ParseIP(strings.Split(rule.URL(), ":")[0]) != nil:
		return classHost
	}

	return classRule
}

// matches returns all rules matching url in declaration order
func (s *Simple) matches(url string) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []*Rule
	for _, group := range [][]ruleLine{s.base, s.appended} {
		for _, line := range group {
			if !matchPattern(line.pattern, url) {
				continue
			}

			for _, matcher := range line.matchers {
				rules = append(rules, &Rule{RawPattern: line.pattern, Matcher: s.substitute(matcher)})
			}
		}
	}

	return rules
}

func (s *Simple) ResolvePrimaryRule(url string) *Rule {
	return s.ResolveNextRule(url, 0)
}

// ResolveNextRule returns the offset-th request rule counting from the winning one
func (s *Simple) ResolveNextRule(url string, offset int) *Rule {
	rules := s.matches(url)
	for i := len(rules) - 1; i >= 0; i-- {
		if classify(rules[i]) != classRule {
			continue
		}

		if offset == 0 {
			return rules[i]
		}
		offset--
	}

	return nil
}

func (s *Simple) ResolveRules(url string) *MatchedRules {
	result := &MatchedRules{}

	for _, rule := range s.matches(url) {
		switch classify(rule) {
		case classHost:
			result.Host = rule
		case classProxy:
			result.Proxy = rule
		case classPAC:
			result.PAC = rule
		case classPlugin:
			result.Plugins = append(result.Plugins, rule)
		default:
			result.Rule = rule
		}
	}

	return result
}

// Values returns a copy of the substitution values
func (s *Simple) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}

	return values
}
