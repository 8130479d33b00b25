// Package util provides helper functions shared across merchantauth packages.
// It includes proxy-aware HTTP client setup, log level management, secret masking
// for log output, and hints for completing OAuth logins on remote machines.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/merchantkit/merchantauth/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewHTTPClient builds an HTTP client honouring the configured timeout and proxy.
func NewHTTPClient(cfg *config.SDKConfig) *http.Client {
	timeout := config.DefaultRequestTimeout
	if cfg != nil {
		if d, err := time.ParseDuration(strings.TrimSpace(cfg.RequestTimeout)); err == nil && d > 0 {
			timeout = d
		}
	}
	client := &http.Client{Timeout: timeout}
	if cfg == nil {
		return client
	}
	return SetProxy(cfg, client)
}

// SetProxy configures the provided HTTP client with proxy settings from the configuration.
// It supports SOCKS5, HTTP, and HTTPS proxies. The function modifies the client's transport
// to route requests through the configured proxy server.
func SetProxy(cfg *config.SDKConfig, httpClient *http.Client) *http.Client {
	if cfg == nil || strings.TrimSpace(cfg.ProxyURL) == "" {
		return httpClient
	}
	var transport *http.Transport
	proxyURL, errParse := url.Parse(strings.TrimSpace(cfg.ProxyURL))
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return httpClient
	}
	switch proxyURL.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if proxyURL.User != nil {
			username := proxyURL.User.Username()
			password, _ := proxyURL.User.Password()
			proxyAuth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Warnf("unsupported proxy scheme %q, using direct connection", proxyURL.Scheme)
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
