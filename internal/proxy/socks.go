// Package proxy builds HTTP clients that egress through a SOCKS5 proxy,
// for deployments where the generation endpoint is only reachable that way.
package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

const defaultTimeout = 120 * time.Second

// NewSocksClient returns an *http.Client whose connections dial through
// the SOCKS5 proxy at addr.
func NewSocksClient(addr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
