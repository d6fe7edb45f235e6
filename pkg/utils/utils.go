package utils

import (
	"context"
	"net"
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

// defaultPorts is used for urls without a port
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// GetInterfaceIpv4Addr gets the first associated IPv4 address of a network interface
// from https://gist.github.com/schwarzeni/f25031a3123f895ff3785970921e962c
func GetInterfaceIpv4Addr(interfaceName string) (string, error) {
	ief, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return "", xerrors.Errorf("interface %s lookup failure: %w", interfaceName, err)
	}

	addrs, err := ief.Addrs()
	if err != nil {
		return "", xerrors.Errorf("interface %s addresses failure: %w", interfaceName, err)
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ipv4Addr := ipNet.IP.To4(); ipv4Addr != nil {
				return ipv4Addr.String(), nil
			}
		}
	}

	return "", xerrors.Errorf("ipv4 address for %s not found", interfaceName)
}

// Done is a non-blocking function that returns true if the context has been canceled.
func Done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func SplitHostPath(rawURL string) (host, path string) {
	idx := strings.IndexAny(rawURL, "/?")
	if idx < 0 {
		return rawURL, ""
	}

	return rawURL[:idx], rawURL[idx:]
}

// NormalizeURL returns rawURL with an explicit scheme and port. Without a scheme
// port 443 implies https, anything else http. Path and query are kept.
func NormalizeURL(rawURL string) (*url.URL, error) {
	if !strings.Contains(rawURL, "://") {
		host, _ := SplitHostPath(rawURL)

		scheme := "http"
		if strings.HasSuffix(host, ":443") {
			scheme = "https"
		}
		rawURL = scheme + "://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse url %s: %w", rawURL, err)
	}

	if u.Hostname() == "" {
		return nil, xerrors.Errorf("malformed url %s", rawURL)
	}

	if u.Port() == "" {
		port, ok := defaultPorts[u.Scheme]
		if !ok {
			return nil, xerrors.Errorf("malformed url %s: no port for scheme %s", rawURL, u.Scheme)
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}

	return u, nil
}
