package notify

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// DNSRefreshInterval is how often cached provider addresses are re-resolved.
const DNSRefreshInterval = 5 * time.Minute

var resolver = &dnscache.Resolver{}

// RefreshDNS re-resolves cached hosts every interval until ctx is done.
func RefreshDNS(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DNSRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
			log.Debug().Dur("interval", interval).Msg("Email provider DNS cache refreshed")
		}
	}
}

func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialContextWithCache
	return &http.Client{Timeout: timeout, Transport: transport}
}
