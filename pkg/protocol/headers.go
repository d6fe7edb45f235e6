package protocol

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"pluginbridge/pkg/engine"
	"pluginbridge/pkg/plugins"
)

const (
	RuleValueHeader   = "x-whistle-rule-value"
	EtagHeader        = "x-whistle-etag"
	MaxAgeHeader      = "x-whistle-max-age"
	SSLFlagHeader     = "x-whistle-https"
	FullURLHeader     = "x-whistle-full-url"
	RealURLHeader     = "x-whistle-real-url"
	CurRuleHeader     = "x-whistle-rule"
	NextRuleHeader    = "x-whistle-next-rule"
	ReqIDHeader       = "x-whistle-req-id"
	DataIDHeader      = "x-whistle-data-id"
	StatusCodeHeader  = "x-whistle-status-code"
	HostValueHeader   = "x-whistle-local-host"
	CurHostHeader     = "x-whistle-host"
	CurProxyHeader    = "x-whistle-proxy"
	ProxyValueHeader  = "x-whistle-proxy-value"
	CurPACHeader      = "x-whistle-pac"
	PACValueHeader    = "x-whistle-pac-value"
	MethodHeader      = "x-whistle-method"
	ClientIPHeader    = "x-forwarded-for"
	ClientPortHeader  = "x-whistle-client-port"
	HostIPHeader      = "x-whistle-host-ip"
	GlobalValueHeader = "x-whistle-global-value"

	Localhost = "127.0.0.1"
)

// HeaderTable maps each logical header role to the literal header name,
// workers receive it on start up.
func HeaderTable() map[string]string {
	return map[string]string{
		"curRule":     CurRuleHeader,
		"ruleValue":   RuleValueHeader,
		"host":        CurHostHeader,
		"hostValue":   HostValueHeader,
		"proxy":       CurProxyHeader,
		"proxyValue":  ProxyValueHeader,
		"pac":         CurPACHeader,
		"pacValue":    PACValueHeader,
		"fullUrl":     FullURLHeader,
		"realUrl":     RealURLHeader,
		"reqId":       ReqIDHeader,
		"dataId":      DataIDHeader,
		"statusCode":  StatusCodeHeader,
		"clientIp":    ClientIPHeader,
		"clientPort":  ClientPortHeader,
		"method":      MethodHeader,
		"hostIp":      HostIPHeader,
		"globalValue": GlobalValueHeader,
		"nextRule":    NextRuleHeader,
		"maxAge":      MaxAgeHeader,
		"etag":        EtagHeader,
		"sslFlag":     SSLFlagHeader,
	}
}

// Request is the part of a proxied request the plugin protocol needs
type Request struct {
	FullURL     string
	RealURL     string
	ReqID       string
	Method      string
	ClientIP    string
	ClientPort  string
	GlobalValue string
	HostIP      string
	Header      http.Header
	Rules       *engine.MatchedRules
	ResScript   string
}

// Response is the upstream response seen when fetching response rules
type Response struct {
	StatusCode int
	Header     http.Header
}

var (
	uriComponentReplacer = strings.NewReplacer("+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")
	secureURLRegexp      = regexp.MustCompile(`^(?:https|wss):`)
)

// EncodeURIComponent escapes s the way browsers' encodeURIComponent does
func EncodeURIComponent(s string) string {
	return uriComponentReplacer.Replace(url.QueryEscape(s))
}

// RuleHeaders returns the raw and value forms of rule for the header protocol
func RuleHeaders(rule *engine.Rule) (raw, value string) {
	if rule == nil {
		return "", ""
	}

	v := rule.Value()
	if rule.Port != "" {
		v += ":" + rule.Port
	}

	return EncodeURIComponent(rule.RawPattern + " " + rule.Matcher), EncodeURIComponent(v)
}

func setRule(h http.Header, rule *engine.Rule, rawHeader, valueHeader string) {
	if rule == nil {
		return
	}

	raw, value := RuleHeaders(rule)
	h.Set(rawHeader, raw)
	if value != "" {
		h.Set(valueHeader, value)
	}
}

// AddRuleHeaders sets the matched rule and request identity headers on h
func AddRuleHeaders(req *Request, h http.Header) http.Header {
	if rules := req.Rules; rules != nil {
		setRule(h, rules.Host, CurHostHeader, HostValueHeader)
		setRule(h, rules.Rule, CurRuleHeader, RuleValueHeader)
		setRule(h, rules.Proxy, CurProxyHeader, ProxyValueHeader)
		setRule(h, rules.PAC, CurPACHeader, PACValueHeader)
	}

	if req.RealURL != "" {
		h.Set(RealURLHeader, EncodeURIComponent(req.RealURL))
	}

	if req.ReqID != "" {
		h.Set(ReqIDHeader, req.ReqID)
	}

	if req.FullURL != "" {
		h.Set(FullURLHeader, EncodeURIComponent(req.FullURL))
		if secureURLRegexp.MatchString(req.FullURL) {
			h.Set(SSLFlagHeader, "true")
		}
	}

	if req.ClientIP != "" {
		h.Set(ClientIPHeader, req.ClientIP)
	}

	if req.ClientPort != "" {
		h.Set(ClientPortHeader, req.ClientPort)
	}

	if req.GlobalValue != "" {
		h.Set(GlobalValueHeader, EncodeURIComponent(req.GlobalValue))
	}

	return h
}

// BuildHeaders produces the header set sent to a plugin worker.
// next is the rule one step further down the chain, only used for request rules.
func BuildHeaders(req *Request, res *Response, typ plugins.RuleType, next *engine.Rule) http.Header {
	isResRules := res != nil && typ == plugins.ResRulesType

	var h http.Header
	if isResRules {
		h = res.Header.Clone()
	} else {
		h = req.Header.Clone()
	}

	if h == nil {
		h = http.Header{}
	}

	h.Del("Upgrade")
	h.Del("Connection")

	AddRuleHeaders(req, h)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	h.Set(MethodHeader, EncodeURIComponent(method))

	if typ == plugins.RulesType && next != nil {
		h.Set(NextRuleHeader, EncodeURIComponent(next.RawPattern+" "+next.Matcher))
	}

	if isResRules {
		if host := req.Header.Get("Host"); host != "" {
			h.Set("Host", host)
		} else {
			h.Del("Host")
		}

		hostIP := req.HostIP
		if hostIP == "" {
			hostIP = Localhost
		}
		h.Set(HostIPHeader, hostIP)

		status := ""
		if res.StatusCode > 0 {
			status = strconv.Itoa(res.StatusCode)
		}
		h.Set(StatusCodeHeader, status)
	}

	return h
}
