package storage_vault

import (
	"net"
	"net/http"
	"time"

	"github.com/bizflycloud/backupd/pkg/limiter"
)

// TransportOptions collects various options which can be set for an HTTP based transport.
type TransportOptions struct {
	Connect          time.Duration
	ConnKeepAlive    time.Duration
	ExpectContinue   time.Duration
	IdleConn         time.Duration
	MaxAllIdleConns  int
	MaxHostIdleConns int
	ResponseHeader   time.Duration
	TLSHandshake     time.Duration

	// Limiter throttles request and response bodies when set.
	Limiter limiter.Limiter
}

// DefaultTransportOptions are used by every provider unless overridden.
var DefaultTransportOptions = TransportOptions{
	Connect:          30 * time.Second,
	ConnKeepAlive:    30 * time.Second,
	ExpectContinue:   1 * time.Second,
	IdleConn:         90 * time.Second,
	MaxAllIdleConns:  100,
	MaxHostIdleConns: 100,
	ResponseHeader:   60 * time.Second,
	TLSHandshake:     10 * time.Second,
}

// Transport returns a new http.RoundTripper with opts applied.
func Transport(opts TransportOptions) http.RoundTripper {
	tr := &http.Transport{
		ResponseHeaderTimeout: opts.ResponseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: opts.ConnKeepAlive,
			Timeout:   opts.Connect,
		}).DialContext,
		MaxIdleConns:          opts.MaxAllIdleConns,
		IdleConnTimeout:       opts.IdleConn,
		TLSHandshakeTimeout:   opts.TLSHandshake,
		MaxIdleConnsPerHost:   opts.MaxHostIdleConns,
		ExpectContinueTimeout: opts.ExpectContinue,
	}
	if opts.Limiter == nil {
		return tr
	}
	return opts.Limiter.Transport(tr)
}

// HTTPClient returns a client using Transport(opts) with the given overall timeout.
func HTTPClient(opts TransportOptions, timeout time.Duration) *http.Client {
	return &http.Client{Transport: Transport(opts), Timeout: timeout}
}
