package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"os"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/http2"

	"github.com/rescale/cloudstore/internal/config"
	"github.com/rescale/cloudstore/internal/constants"
)

// CreateOptimizedClient creates an HTTP client tuned for large parallel part
// transfers. The same client backs both the S3 and the GCS SDK.
//
// Key features:
//   - Explicit proxy with NO_PROXY bypass list, or proxy from environment
//   - Large connection pool sized for many concurrent part requests
//   - Extended TLS handshake timeout for slow networks under load
//   - HTTP/2 unless disabled by config, DISABLE_HTTP2=true, or an active proxy
//   - Disabled compression (part payloads are already opaque bytes)
//
// A nil cfg uses environment proxy settings and defaults for everything else.
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	tr := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Proxy: nethttp.ProxyFromEnvironment,

		// Connection pooling
		MaxIdleConns:        512, // Total idle connections across all hosts
		MaxIdleConnsPerHost: 100, // Idle connections per storage endpoint
		MaxConnsPerHost:     100, // Active + idle connections per host
		IdleConnTimeout:     constants.HTTPIdleConnTimeout,

		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,

		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	proxyActive := os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
		os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""

	if cfg != nil && cfg.HTTP.Proxy != "" {
		proxyURL, err := url.Parse(cfg.HTTP.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.HTTP.Proxy, err)
		}
		tr.Proxy = proxyFuncWithBypass(proxyURL, cfg.HTTP.NoProxy)
		proxyActive = true
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}

	// Proxies often break HTTP/2 multiplexing mid-transfer; FORCE_HTTP2=true overrides.
	disableHTTP2 := os.Getenv("DISABLE_HTTP2") == "true" ||
		(cfg != nil && cfg.HTTP.DisableHTTP2) ||
		(proxyActive && os.Getenv("FORCE_HTTP2") != "true")
	if disableHTTP2 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return &nethttp.Client{
		Transport: tr,
		Timeout:   0, // No overall timeout - each operation sets its own via context
	}, nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}
