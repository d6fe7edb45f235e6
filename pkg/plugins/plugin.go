package plugins

import (
	"fmt"
	"sort"
)

// RuleType selects which worker endpoint rule text is fetched from
type RuleType string

const (
	RulesType       RuleType = "rules"
	ResRulesType    RuleType = "resRules"
	TunnelRulesType RuleType = "tunnelRules"

	// Non rule capabilities, only used to look up ports
	StatsType  RuleType = "stats"
	StatusType RuleType = "status"
)

// Ports is the set of loopback ports a worker reported after start up.
// A zero port means the worker does not implement that capability.
type Ports struct {
	RulesPort       int `json:"rulesPort,omitempty"`
	ResRulesPort    int `json:"resRulesPort,omitempty"`
	TunnelRulesPort int `json:"tunnelRulesPort,omitempty"`
	StatsPort       int `json:"statsPort,omitempty"`
	StatusPort      int `json:"statusPort,omitempty"`
}

// For returns the port serving the given rule type, 0 if absent
func (p *Ports) For(typ RuleType) int {
	if p == nil {
		return 0
	}

	switch typ {
	case RulesType:
		return p.RulesPort
	case ResRulesType:
		return p.ResRulesPort
	case TunnelRulesType:
		return p.TunnelRulesPort
	case StatsType:
		return p.StatsPort
	case StatusType:
		return p.StatusPort
	}

	return 0
}

// Plugin is an installed extension as reported by a Discoverer.
// Plugins are replaced, never mutated, once they are in a registry snapshot.
type Plugin struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	PkgPath      string            `json:"pkgPath"`
	MTime        int64             `json:"mtime"`
	Version      string            `json:"version"`
	ModuleName   string            `json:"moduleName"`
	Homepage     string            `json:"homepage,omitempty"`
	Description  string            `json:"description,omitempty"`
	Rules        string            `json:"-"`
	HiddenRules  string            `json:"-"`
	HiddenValues map[string]string `json:"-"`
}

// Scheme is the protocol prefix used in rules, e.g. `foo:`
func (p *Plugin) Scheme() string {
	return p.Name + ":"
}

// Identity changes whenever the plugin is reinstalled or modified
func (p *Plugin) Identity() string {
	return fmt.Sprintf("%s\n%d", p.Path, p.MTime)
}

func (p *Plugin) String() string {
	return fmt.Sprintf("%s@%s (%s)", p.Name, p.Version, p.Path)
}

// SortByMTime orders plugins oldest first, ties broken by name
func SortByMTime(list []*Plugin) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].MTime == list[j].MTime {
			return list[i].Name < list[j].Name
		}
		return list[i].MTime < list[j].MTime
	})
}
