// Package httpclient provides an HTTP client that refuses requests to
// loopback, private and other non-public addresses.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// ErrBlocked marks requests refused by the address policy
var ErrBlocked = errors.New("request blocked by SSRF protection")

// Options configure a SaferClient
type Options struct {
	Timeout        time.Duration
	AllowedSchemes []string // Default: ["http", "https"]
	MaxRedirects   int      // Default: 10
	AllowPrivate   bool     // Permit loopback and private targets
}

// SaferClient wraps http.Client with SSRF protection
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	allowPrivate   bool
	maxRedirects   int
}

// New creates a client enforcing opts
func New(opts Options) *SaferClient {
	if opts.AllowedSchemes == nil {
		opts.AllowedSchemes = []string{"http", "https"}
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}

	c := &SaferClient{
		Client:         &http.Client{Timeout: opts.Timeout},
		allowedSchemes: opts.AllowedSchemes,
		allowPrivate:   opts.AllowPrivate,
		maxRedirects:   opts.MaxRedirects,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.checkURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		// Resolve here so a hostname cannot rebind to a private address after validation
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range addrs {
					if IsPrivate(ip) {
						return nil, errors.Mark(errors.Newf("private address blocked: %s", ip), ErrBlocked)
					}
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return c
}

// checkURL applies the scheme and address policy to u
func (c *SaferClient) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Mark(errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes), ErrBlocked)
	}

	// http://evil.com@localhost/ style confusion
	if u.User != nil {
		return errors.Mark(errors.New("URL contains credentials"), ErrBlocked)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.Mark(errors.New("URL missing hostname"), ErrBlocked)
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(hostname) {
		return errors.Mark(errors.New("localhost access blocked"), ErrBlocked)
	}
	if ip, err := netip.ParseAddr(hostname); err == nil && IsPrivate(ip) {
		return errors.Mark(errors.Newf("private address blocked: %s", hostname), ErrBlocked)
	}
	return nil
}

// ValidateURL parses rawURL and applies the client's policy
func (c *SaferClient) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.checkURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do executes req after validating its URL
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPrivate reports whether ip is loopback, private, link-local, multicast,
// unspecified or reserved. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
