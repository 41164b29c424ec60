package connector

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// Dialer is the socket factory shared by the network sources.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// dialFunc adapts a dial function to Dialer.
type dialFunc func(network, address string) (net.Conn, error)

func (f dialFunc) Dial(network, address string) (net.Conn, error) { return f(network, address) }

// newDialer returns a direct dialer or one tunnelled through the configured SOCKS proxy.
func newDialer(cfg ProxyConfig, timeout time.Duration) (Dialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if !cfg.Enabled() {
		if strings.TrimSpace(cfg.Type) != "" && !knownProxyType(cfg.Type) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, cfg.Type)
		}
		return direct, nil
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "socks5":
		d, err := proxy.SOCKS5("tcp", addr, nil, direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy %s: %w", addr, err)
		}
		return d, nil
	case "socks4", "socks4a":
		// socks4a lets the proxy resolve the mail host.
		return dialFunc(socks.Dial(socks4URI(addr, timeout))), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProxy, cfg.Type)
	}
}

func socks4URI(addr string, timeout time.Duration) string {
	u := url.URL{Scheme: "socks4a", Host: addr}
	if timeout > 0 {
		u.RawQuery = url.Values{"timeout": {timeout.String()}}.Encode()
	}
	return u.String()
}

func knownProxyType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "socks4", "socks4a", "socks5":
		return true
	default:
		return false
	}
}
