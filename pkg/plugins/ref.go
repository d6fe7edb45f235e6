package plugins

import (
	"regexp"
	"strings"
)

const pluginProtocol = "plugin://"

var (
	namePattern   = regexp.MustCompile(`^[a-z\d_\-]+$`)
	callRefRegexp = regexp.MustCompile(`^([a-z\d_\-]+)(?:\(([\s\S]*)\))?$`)
	urlRefRegexp  = regexp.MustCompile(`^([a-z\d_\-]+)(?:://([\s\S]*))?$`)
)

// Ref is a parsed plugin reference: the scheme name and its inline argument
type Ref struct {
	Name string
	Arg  string
}

// ParseRef parses the two accepted plugin reference forms:
//
//	plugin://name(arg)  plugin://name://arg
//	x.name(arg)         x.name://arg
//
// The second form uses everything after the first dot.
func ParseRef(matcher string) (Ref, bool) {
	var body string

	matcher = strings.TrimSpace(matcher)
	if strings.HasPrefix(matcher, pluginProtocol) {
		body = strings.TrimPrefix(matcher[len(pluginProtocol):], "whistle.")
	} else {
		idx := strings.Index(matcher, ".")
		if idx < 0 {
			return Ref{}, false
		}
		body = matcher[idx+1:]
	}

	if m := callRefRegexp.FindStringSubmatch(body); m != nil {
		return Ref{Name: m[1], Arg: m[2]}, true
	}

	if m := urlRefRegexp.FindStringSubmatch(body); m != nil {
		return Ref{Name: m[1], Arg: m[2]}, true
	}

	return Ref{}, false
}

// ValidName reports whether name can be used as a plugin scheme
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}
