// Package store is the client for the backing object-storage cluster. It
// issues the authenticated sub-requests every handler uses to read and write
// accounts, containers and objects under /v1.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClusterURLRequired is returned if the given cluster URL to New is not given.
	ErrClusterURLRequired = errors.New("cluster URL is required")

	// ErrClusterURLNotValid is returned if the given cluster URL to New is not valid.
	ErrClusterURLNotValid = errors.New("cluster URL is not valid")

	// ErrNotFound is returned if the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnexpectedStatus is returned if the cluster responded with an
	// unexpected status code.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")

	// ErrAuthFailed is returned if token acquisition did not succeed.
	ErrAuthFailed = errors.New("authentication with the cluster has failed")
)

// defaultUserAgent identifies origin sub-requests in the cluster logs.
const defaultUserAgent = "SwiftOrigin"

// Config holds the connection configuration for the cluster.
type Config struct {
	// URL is the cluster root with scheme, e.g. http://swift.internal:8080.
	URL string

	// AuthURL, AuthUser and AuthKey configure v1.0 token authentication.
	// Leave AuthURL empty to use AuthToken (or no authentication) instead.
	AuthURL  string
	AuthUser string
	AuthKey  string

	// AuthToken is a static pre-issued token.
	AuthToken string

	UserAgent string

	DialerTimeout         time.Duration
	ResponseHeaderTimeout time.Duration
}

// Client talks to the backing cluster as the administrative identity.
type Client struct {
	baseURL    *url.URL
	authURL    string
	authUser   string
	authKey    string
	userAgent  string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// ListEntry is one row of a container listing.
type ListEntry struct {
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Bytes        int64  `json:"bytes"`
	Hash         string `json:"hash"`
	LastModified string `json:"last_modified"`
}

// New returns a new cluster client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrClusterURLRequired
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClusterURLNotValid, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrClusterURLNotValid, cfg.URL)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.DialerTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: cfg.DialerTimeout}).DialContext
	}

	if cfg.ResponseHeaderTimeout > 0 {
		transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	}

	return &Client{
		baseURL:    u,
		authURL:    cfg.AuthURL,
		authUser:   cfg.AuthUser,
		authKey:    cfg.AuthKey,
		userAgent:  ua,
		token:      cfg.AuthToken,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// Do issues an authenticated sub-request against the cluster. path must be
// an already-escaped path, optionally carrying a query string.
// NOTE: It's the caller responsibility to close the response body.
func (c *Client) Do(
	ctx context.Context,
	method, path string,
	hdrs http.Header,
	body []byte,
) (*http.Response, error) {
	resp, err := c.do(ctx, method, path, hdrs, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || c.authURL == "" {
		return resp, nil
	}

	// the token expired under us, re-authenticate once and retry
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	return c.do(ctx, method, path, hdrs, body)
}

// Status issues a sub-request, drains the body and returns the status code.
func (c *Client) Status(
	ctx context.Context,
	method, path string,
	hdrs http.Header,
	body []byte,
) (int, error) {
	resp, err := c.Do(ctx, method, path, hdrs, body)
	if err != nil {
		return 0, err
	}

	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return resp.StatusCode, nil
}

// ListContainer returns one page of the JSON listing of
// /v1/<account>/<container>, starting after marker.
func (c *Client) ListContainer(
	ctx context.Context,
	account, container, marker string,
) ([]ListEntry, int, error) {
	path := Path(account, container) + "?format=json&marker=" + url.QueryEscape(marker)

	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, 0, err
	}

	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		return nil, resp.StatusCode, nil
	}

	var entries []ListEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error decoding the listing of %s: %w", path, err)
	}

	return entries, resp.StatusCode, nil
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	hdrs http.Header,
	body []byte,
) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	r, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL.String(), "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating a new request: %w", err)
	}

	for key, vals := range hdrs {
		for _, val := range vals {
			r.Header.Add(key, val)
		}
	}

	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", c.userAgent)
	}

	if token != "" {
		r.Header.Set("X-Auth-Token", token)
	}

	if body != nil {
		r.ContentLength = int64(len(body))
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		return nil, fmt.Errorf("error performing the request: %w", err)
	}

	return resp, nil
}

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" || c.authURL == "" {
		return c.token, nil
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating the auth request: %w", err)
	}

	r.Header.Set("X-Auth-User", c.authUser)
	r.Header.Set("X-Auth-Key", c.authKey)
	r.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(r)
	if err != nil {
		return "", fmt.Errorf("error performing the auth request: %w", err)
	}

	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: %s", ErrAuthFailed, resp.Status)
	}

	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		return "", fmt.Errorf("%w: no token in the response", ErrAuthFailed)
	}

	c.token = token

	return token, nil
}

// Path returns the escaped /v1 path for the given account, container and
// object segments.
func Path(parts ...string) string {
	p := "/v1"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}

	return p
}

// Quote percent-escapes a path the way the cluster expects: every segment is
// escaped, slashes are preserved.
func Quote(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}

	return strings.Join(segs, "/")
}
