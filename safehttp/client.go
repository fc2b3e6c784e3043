// Package safehttp is the only way the federation engine reaches the
// network. Every request is restricted to public addresses, and the
// resolved address is pinned for the connection. Redirects are re-validated
// and bodies are capped.
package safehttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxBodyBytes   = 256 * 1024
	DefaultConnectTimeout = 10 * time.Second
	DefaultTotalTimeout   = 30 * time.Second
	DefaultMaxRedirects   = 3
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// RequestSigner adds authentication headers to a prepared request. body is
// the exact payload that will be sent, empty for GET.
type RequestSigner interface {
	SignRequest(req *http.Request, body []byte) error
}

type Options struct {
	UserAgent string
	// AllowLoopback permits plain http and loopback addresses. Local
	// development only.
	AllowLoopback  bool
	MaxBodyBytes   int64
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxRedirects   int
	Resolver       Resolver
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Signer RequestSigner
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after redirects.
	URL string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Client struct {
	opts   Options
	http   *http.Client
	dialer *net.Dialer
	logger zerolog.Logger
}

func New(opts Options) *Client {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = DefaultTotalTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}

	c := &Client{
		opts:   opts,
		logger: log.With().Str("component", "safehttp").Logger(),
	}
	c.dialer = &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		Control:   c.control,
	}

	transport := &http.Transport{
		// Proxies would connect on our behalf and bypass address checks.
		Proxy:                 nil,
		DialContext:           c.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}

	c.http = &http.Client{
		Transport:     transport,
		Timeout:       opts.TotalTimeout,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// Get fetches rawURL with the given headers.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header, signer RequestSigner) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header, Signer: signer})
}

// Post sends body to rawURL.
func (c *Client) Post(ctx context.Context, rawURL string, header http.Header, body []byte, signer RequestSigner) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: header, Body: body, Signer: signer})
}

// Do performs the request. Non-2xx responses are returned, not treated as
// errors. Every error is an *Error.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, &Error{Kind: KindSSRFRejected, URL: r.URL, Err: fmt.Errorf("parse url: %w", err)}
	}
	if err := c.checkURL(u); err != nil {
		return nil, classify(r.URL, err)
	}
	// Validate before any connection attempt; the dialer checks again.
	if _, err := c.resolve(ctx, u.Hostname()); err != nil {
		return nil, classify(r.URL, err)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: r.URL, Err: err}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if r.Signer != nil {
		payload := r.Body
		if payload == nil {
			payload = []byte{}
		}
		if err := r.Signer.SignRequest(req, payload); err != nil {
			return nil, &Error{Kind: KindNetwork, URL: r.URL, Err: fmt.Errorf("sign request: %w", err)}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(r.URL, err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.opts.MaxBodyBytes {
		return nil, &Error{Kind: KindTooLarge, URL: r.URL, Err: fmt.Errorf("declared %d bytes", resp.ContentLength)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, classify(r.URL, err)
	}
	if int64(len(data)) > c.opts.MaxBodyBytes {
		return nil, &Error{Kind: KindTooLarge, URL: r.URL, Err: fmt.Errorf("body exceeds %d bytes", c.opts.MaxBodyBytes)}
	}

	c.logger.Debug().Str("method", method).Str("url", r.URL).Int("status", resp.StatusCode).Msg("Fetched")
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        resp.Request.URL.String(),
	}, nil
}

func (c *Client) checkURL(u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return rejected("missing host")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if c.opts.AllowLoopback && isLoopbackHost(host) {
			return nil
		}
	}
	return rejected("scheme %q not allowed", u.Scheme)
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.opts.MaxRedirects {
		return &Error{Kind: KindTooManyRedirects, Err: fmt.Errorf("stopped after %d redirects", c.opts.MaxRedirects)}
	}
	if err := c.checkURL(req.URL); err != nil {
		return err
	}
	if _, err := c.resolve(req.Context(), req.URL.Hostname()); err != nil {
		return err
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	return nil
}

// resolve returns the addresses for host, failing when any of them is not
// allowed. A host that answers with a mix of public and internal addresses
// is rejected outright.
func (c *Client) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if !c.permitted(ip) {
			return nil, rejected("address %s not allowed", ip)
		}
		return []netip.Addr{ip}, nil
	}

	addrs, err := c.opts.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("resolve %s: %w", host, err)}
	}
	if len(addrs) == 0 {
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("resolve %s: no addresses", host)}
	}
	for _, ip := range addrs {
		if !c.permitted(ip) {
			return nil, rejected("%s resolves to %s", host, ip)
		}
	}
	return addrs, nil
}

// dialContext connects to the validated address itself rather than the
// hostname, so a second DNS answer cannot redirect the connection.
func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	addrs, err := c.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range addrs {
		conn, err := c.dialer.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// control runs after the socket is created and before connect.
func (c *Client) control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return rejected("bad address %q", address)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return rejected("bad address %q", address)
	}
	if !c.permitted(ip) {
		return rejected("connect to %s not allowed", ip)
	}
	return nil
}

func (c *Client) permitted(ip netip.Addr) bool {
	if c.opts.AllowLoopback && ip.Unmap().IsLoopback() {
		return true
	}
	return IsPublicAddr(ip)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil && ip.Unmap().IsLoopback()
}
