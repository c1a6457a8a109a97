package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Options tune the shared transport. Zero values fall back to defaults
// matched to long-lived SSE streams.
type Options struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
}

// New builds the single process-wide pooled HTTP client. Connectors receive
// it by injection and never construct their own; the dispatcher relies on
// this for connection reuse across attempts.
func New(opts Options) *http.Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 300 * time.Second
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		IdleConnTimeout:       opts.IdleConnTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	// No client-level timeout: streaming responses outlive any sane value.
	// Per-request deadlines come from the dispatch context.
	return &http.Client{Transport: transport}
}
