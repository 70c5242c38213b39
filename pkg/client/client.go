package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/logbook"
	"github.com/damienh972/hodl-my-notes/internal/merkle"
	"github.com/damienh972/hodl-my-notes/internal/reconcile"
)

// maxJSONBody bounds every JSON response read by the client.
const maxJSONBody = 16 << 20

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("server or ledger unavailable")

	// ErrProofMismatch is returned by Proof when the path served by the
	// server does not hash up to the served root.
	ErrProofMismatch = errors.New("inclusion proof does not verify")
)

// APIError is a non-2xx answer from chaind.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chaind %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the package sentinels so callers can use
// errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrConflict
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

// LogbookList is the answer of GET /logbooks.
type LogbookList struct {
	Logbooks        []string `json:"logbooks"`
	LedgerReachable bool     `json:"ledger_reachable"`
}

// EntryList is the answer of GET /logbooks/:name/entries.
type EntryList struct {
	Logbook string        `json:"logbook"`
	Count   int           `json:"count"`
	Entries []chain.Entry `json:"entries"`
}

// Validation is the answer of GET /logbooks/:name/validate.
type Validation struct {
	Verdict string       `json:"verdict"`
	Report  chain.Report `json:"report"`
}

// Client talks to one chaind base URL.
type Client struct {
	base       string
	httpClient *http.Client

	// token state, guarded by mu
	mu          sync.Mutex
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed chaind.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the chaind server at base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(tok),
//	)
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Login exchanges the admin secret for a token and keeps it for the
// following requests.
func (c *Client) Login(ctx context.Context, secret, subject string) (string, error) {
	body, _ := json.Marshal(map[string]string{"secret": secret, "subject": subject})
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/admin/token", nil, bytes.NewReader(body), "application/json", &resp); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = resp.Token
	c.mu.Unlock()
	return resp.Token, nil
}

// Health calls GET /healthz and returns the server version.
func (c *Client) Health(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Logbooks lists the logbooks known to the server.
func (c *Client) Logbooks(ctx context.Context) (*LogbookList, error) {
	var out LogbookList
	if err := c.get(ctx, "/logbooks", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logbook describes one logbook.
func (c *Client) Logbook(ctx context.Context, name string) (*logbook.Summary, error) {
	var out logbook.Summary
	if err := c.get(ctx, "/logbooks/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entries returns every entry of a logbook.
func (c *Client) Entries(ctx context.Context, name string) (*EntryList, error) {
	var out EntryList
	if err := c.get(ctx, "/logbooks/"+url.PathEscape(name)+"/entries", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entry returns entry idx of a logbook.
func (c *Client) Entry(ctx context.Context, name string, idx int) (*chain.Entry, error) {
	var out chain.Entry
	if err := c.get(ctx, entryPath(name, idx), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Proof fetches the inclusion proof of entry idx and checks it locally. The
// server's own Verified flag is not trusted.
func (c *Client) Proof(ctx context.Context, name string, idx int) (*chain.InclusionProof, error) {
	var out chain.InclusionProof
	if err := c.get(ctx, entryPath(name, idx)+"/proof", nil, &out); err != nil {
		return nil, err
	}
	out.Verified = merkle.Verify(out.Proof, out.Leaf, out.Root)
	if !out.Verified {
		return &out, fmt.Errorf("%w: %s #%d", ErrProofMismatch, name, idx)
	}
	return &out, nil
}

// Validate runs the server-side local chain validation.
func (c *Client) Validate(ctx context.Context, name string) (*Validation, error) {
	var out Validation
	if err := c.get(ctx, "/logbooks/"+url.PathEscape(name)+"/validate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Integrity compares a logbook with the ledger.
func (c *Client) Integrity(ctx context.Context, name string) (*reconcile.Integrity, error) {
	var out reconcile.Integrity
	if err := c.get(ctx, "/logbooks/"+url.PathEscape(name)+"/integrity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconstruct reconciles a logbook on the server. Requires an admin token.
func (c *Client) Reconstruct(ctx context.Context, name string, force bool) (*reconcile.Result, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	var out reconcile.Result
	if err := c.call(ctx, http.MethodPost, "/logbooks/"+url.PathEscape(name)+"/reconstruct", q, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyBundle uploads a bundle archive and returns the server's report.
func (c *Client) VerifyBundle(ctx context.Context, archive io.Reader, opts bundle.Options) (*bundle.Report, error) {
	q := url.Values{}
	for flag, on := range map[string]bool{
		"skip_content":      opts.SkipContentHash,
		"skip_linkage":      opts.SkipLinkage,
		"skip_ledger":       opts.SkipLedger,
		"skip_code_version": opts.SkipCodeVersion,
	} {
		if on {
			q.Set(flag, "true")
		}
	}
	var out bundle.Report
	if err := c.call(ctx, http.MethodPost, "/bundles/verify", q, archive, "application/zip", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportBundle streams the bundle archive of a logbook into w and returns the
// number of bytes written.
func (c *Client) ExportBundle(ctx context.Context, name string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/logbooks/"+url.PathEscape(name)+"/export", nil, nil, "")
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, apiError(resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read bundle: %w", err)
	}
	return n, nil
}

func entryPath(name string, idx int) string {
	return "/logbooks/" + url.PathEscape(name) + "/entries/" + strconv.Itoa(idx)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.call(ctx, http.MethodGet, path, q, nil, "", out)
}

// call sends a request to /api/v1 + path and decodes the JSON answer into out.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, q, body, contentType)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string) (*http.Request, error) {
	u := c.base + "/api/v1" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// send executes an HTTP request, attaching the Bearer token if present.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	tok := c.bearerToken
	c.mu.Unlock()
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBody)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError reads the {"error": "..."} body of a failed response.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
