// Package proxy forwards admitted requests to their selected target,
// enforcing the per-service timeout budget and streaming both bodies.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oto-proxy/oto/internal/config"
)

// TransportPool shares one transport per (scheme, host, ip, callTimeout)
// so upstream connections are reused across requests.
type TransportPool struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewTransportPool creates an empty pool.
func NewTransportPool() *TransportPool {
	return &TransportPool{transports: make(map[string]*http.Transport)}
}

// Transport returns the pooled transport for the target. callTimeout
// bounds the wait for the upstream status line.
func (p *TransportPool) Transport(target config.Target, callTimeout time.Duration) *http.Transport {
	key := fmt.Sprintf("%s|%s|%s|%d", target.Scheme, target.Host, target.IPAddress, callTimeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[key]; ok {
		return t
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: callTimeout,
		DialContext:           dialer.DialContext,
	}

	if target.IPAddress != "" {
		// DNS bypass: connect to the configured address while the Host
		// header and TLS SNI keep the target's name.
		host, _, err := net.SplitHostPort(target.Host)
		if err != nil {
			host = target.Host
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(target.IPAddress, port))
		}
		t.TLSClientConfig = &tls.Config{ServerName: host}
	}

	p.transports[key] = t
	return t
}

// CloseIdle drops idle upstream connections on every pooled transport.
func (p *TransportPool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
