// Package fetch retrieves the raw bytes behind a manifest source: an
// HTTP(S) GET for URL sources, or nothing at all for path sources
// (those are read directly off disk by the reconciler). Generalizes
// the teacher's downloader.DownloadFile into a retrying, proxy-aware
// client, following the proxy wiring of
// crates/wit-deps/src/manifest.rs's Entry::lock (PROXY_SERVER /
// PROXY_USERNAME / PROXY_PASSWORD env vars).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/wit-deps/wdm/internal/digest"
	"github.com/wit-deps/wdm/internal/wdmerr"
)

// Client fetches URL source artifacts over HTTP(S), honoring the
// PROXY_SERVER/PROXY_USERNAME/PROXY_PASSWORD environment variables.
type Client struct {
	http *retryablehttp.Client
}

// NewClient builds a Client. A proxy is configured only when all three
// of PROXY_SERVER, PROXY_USERNAME and PROXY_PASSWORD are set, matching
// the original implementation's all-or-nothing proxy activation.
func NewClient() (*Client, error) {
	transport := cleanhttp.DefaultPooledTransport()

	if proxyURL, user, pass := os.Getenv("PROXY_SERVER"), os.Getenv("PROXY_USERNAME"), os.Getenv("PROXY_PASSWORD"); proxyURL != "" && user != "" && pass != "" {
		authed := fmt.Sprintf("http://%s:%s@%s", url.QueryEscape(user), url.QueryEscape(pass), proxyURL)
		parsed, err := url.Parse(authed)
		if err != nil {
			return nil, wdmerr.New("", wdmerr.KindSource, fmt.Errorf("failed to construct HTTP proxy configuration: %w", err))
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = transport
	rc.Logger = nil
	rc.RetryMax = 3

	return &Client{http: rc}, nil
}

// Result is the raw artifact bytes plus their content digest.
type Result struct {
	Data   []byte
	Digest digest.Pair
}

// Get downloads rawURL and returns its bytes and digest. It does not
// compare against any pin; callers verify pins themselves so that a
// mismatch can be reported with the identifier in context.
func (c *Client) Get(ctx context.Context, rawURL string) (Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, wdmerr.New(rawURL, wdmerr.KindSource, fmt.Errorf("failed to construct request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, wdmerr.New(rawURL, wdmerr.KindCancelled, ctx.Err())
		}
		return Result{}, wdmerr.New(rawURL, wdmerr.KindSource, fmt.Errorf("failed to fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, wdmerr.Newf(rawURL, wdmerr.KindSource, "received status code %d", resp.StatusCode)
	}

	dr := digest.NewReader(resp.Body)
	data, err := io.ReadAll(dr)
	if err != nil {
		return Result{}, wdmerr.New(rawURL, wdmerr.KindIO, fmt.Errorf("failed to read response body: %w", err))
	}

	return Result{Data: data, Digest: dr.Sum()}, nil
}

// Stream issues a GET for rawURL and returns the response body for the
// caller to consume directly (e.g. piping it through cache.PutStream
// so the artifact is hashed and cached in a single pass instead of
// being buffered twice). The caller must close the returned body.
func (c *Client) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, wdmerr.New(rawURL, wdmerr.KindSource, fmt.Errorf("failed to construct request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wdmerr.New(rawURL, wdmerr.KindCancelled, ctx.Err())
		}
		return nil, wdmerr.New(rawURL, wdmerr.KindSource, fmt.Errorf("failed to fetch: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, wdmerr.Newf(rawURL, wdmerr.KindSource, "received status code %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// VerifyPin checks a fetched digest against optional sha256/sha512
// pins from the manifest for dependency id. An empty pin is not
// checked (spec.md §3: pins are optional). A mismatch is always an
// integrity error, regardless of lock or update mode (see DESIGN.md
// Open Question a).
func VerifyPin(id string, got digest.Pair, wantSHA256, wantSHA512 string) error {
	if wantSHA256 != "" && wantSHA256 != got.SHA256 {
		return wdmerr.Newf(id, wdmerr.KindIntegrity, "sha256 mismatch: expected %s, got %s", wantSHA256, got.SHA256)
	}
	if wantSHA512 != "" && wantSHA512 != got.SHA512 {
		return wdmerr.Newf(id, wdmerr.KindIntegrity, "sha512 mismatch: expected %s, got %s", wantSHA512, got.SHA512)
	}
	return nil
}
