// Package proxy forwards requests to the collector and relays its responses byte for byte.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nodesense/pkg/apierr"
)

// ErrUpstreamUnavailable means the backend could not be reached at all (refused, DNS,
// timeout). Backend error responses are not errors and are relayed.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Hop-by-hop headers never relayed back to the client; the server manages framing itself.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
}

// Router forwards to a single backend base URL.
type Router struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	detail  string
}

// Config for NewRouter. Transport should have compression disabled so payloads are relayed
// unmodified; NewTransport builds one.
type Config struct {
	BaseURL   string
	Transport http.RoundTripper
	Timeout   time.Duration
	// Detail is the 503 message when the backend is unreachable.
	Detail string
}

func NewRouter(cfg Config) (*Router, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("proxy: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy: base url %q needs scheme and host", cfg.BaseURL)
	}
	rt := cfg.Transport
	if rt == nil {
		rt = NewTransport()
	}
	detail := cfg.Detail
	if detail == "" {
		detail = "Collector service unavailable"
	}
	return &Router{
		base: u,
		// Redirects are relayed to the client, not followed.
		client: &http.Client{
			Transport:     rt,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		timeout: cfg.Timeout,
		detail:  detail,
	}, nil
}

// NewTransport is a pooled transport that never negotiates compression.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

// Target joins escapedPath (a leading "/" is added if missing) and rawQuery onto the base.
// The path must already be escaped so encoded segments reach the backend unchanged.
func (p *Router) Target(escapedPath, rawQuery string) string {
	if !strings.HasPrefix(escapedPath, "/") {
		escapedPath = "/" + escapedPath
	}
	target := p.base.String() + escapedPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward sends r to the escaped path on the backend. Method, query, every header
// (Authorization and Host included) and the whole body are carried over. The returned
// cancel func must be called once the response body has been consumed.
func (p *Router) Forward(r *http.Request, path string) (*http.Response, context.CancelFunc, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, nil, apierr.TooLarge(err)
			}
			return nil, nil, apierr.Invalid("Could not read request body", err)
		}
		body = b
	}

	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	target := p.Target(path, r.URL.RawQuery)
	out, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, apierr.Internal("build upstream request", err)
	}
	out.Header = r.Header.Clone()
	out.Host = r.Host
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	resp, err := p.client.Do(out)
	if err != nil {
		cancel()
		return nil, nil, apierr.Unavailable(p.detail, fmt.Errorf("%w: %s %s%s: %v", ErrUpstreamUnavailable, r.Method, p.base.Redacted(), path, err))
	}
	return resp, cancel, nil
}

// Relay copies status, headers and body to w.
func Relay(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

// Proxy forwards r to path and relays the answer. Transport failures become a 503; when
// the client has gone away nothing is written.
func (p *Router) Proxy(w http.ResponseWriter, r *http.Request, path string) error {
	resp, cancel, err := p.Forward(r, path)
	if err != nil {
		if r.Context().Err() != nil {
			return r.Context().Err()
		}
		apierr.Write(w, err)
		return err
	}
	defer cancel()
	if r.Context().Err() != nil {
		resp.Body.Close()
		return r.Context().Err()
	}
	return Relay(w, resp)
}
