package proxypool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Transport builds an http.RoundTripper routing through the given proxy
// address. SOCKS5 endpoints use a dedicated dialer; http/https endpoints use
// standard CONNECT proxying. An empty addr yields a direct transport.
func Transport(addr string) (*http.Transport, error) {
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if addr == "" {
		return base, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("proxypool: parse %q: %w", addr, err)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("proxypool: socks5 dialer %q: %w", addr, err)
		}
		base.DialContext = nil
		base.Dial = dialer.Dial
		return base, nil
	case "http", "https":
		base.Proxy = http.ProxyURL(u)
		return base, nil
	default:
		return nil, fmt.Errorf("proxypool: unsupported proxy scheme %q", u.Scheme)
	}
}
