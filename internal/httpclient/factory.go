// Package httpclient builds the HTTP client used to replay workflow steps.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
)

// ClientConfig configures the replay client
type ClientConfig struct {
	Timeout            time.Duration
	BlockPrivate       bool // If true, blocks requests to private IPs
	FollowRedirects    bool
	MaxRedirects       int
	InsecureSkipVerify bool
}

// FromConfig maps the http config section onto a ClientConfig.
func FromConfig(cfg config.HTTPConfig) ClientConfig {
	return ClientConfig{
		Timeout:            cfg.Timeout,
		BlockPrivate:       cfg.BlockPrivateTargets,
		FollowRedirects:    cfg.FollowRedirects,
		MaxRedirects:       cfg.MaxRedirects,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

// NewClient creates the HTTP client. Targets under test commonly live on
// private networks, so private-IP blocking is opt-in. The client never keeps
// cookies itself; session state is managed per combination by the engine.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if config.BlockPrivate {
				if err := validateAddress(addr); err != nil {
					return nil, fmt.Errorf("private target blocked: %w", err)
				}
			}
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify}, //nolint:gosec // opt-in for self-signed test targets
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if config.MaxRedirects > 0 && len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			if config.BlockPrivate {
				if err := validateURL(req.URL); err != nil {
					return fmt.Errorf("private target blocked on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

// validateAddress checks if an address points to a private IP
func validateAddress(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked private IP: %s (%s)", ip, host)
		}
	}
	return nil
}

func validateURL(u *url.URL) error {
	if u == nil || u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return validateAddress(u.Host)
}

// isPrivateIP checks if an IP address is private, loopback, or link-local
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

// CloseBody drains and closes a response body so the connection can be reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// ReadBody reads at most limit bytes (0 = unlimited) and reports truncation.
func ReadBody(resp *http.Response, limit int64) ([]byte, bool, error) {
	if resp == nil || resp.Body == nil {
		return nil, false, nil
	}
	if limit <= 0 {
		b, err := io.ReadAll(resp.Body)
		return b, false, err
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return b, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}
