package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBody caps a fetched document.
const maxBody = 10 << 20

// HTTPPage is a page read with plain GET requests. It has no script
// execution and reports no signals, so only the periodic and forced checks
// see it change.
type HTTPPage struct {
	id     string
	url    string
	client *http.Client
	ua     string
	logger *slog.Logger
}

// HTTPOption configures an HTTPPage.
type HTTPOption func(*HTTPPage)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPage) { p.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(p *HTTPPage) { p.ua = ua }
}

// WithHTTPLogger sets a custom logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(p *HTTPPage) { p.logger = l }
}

// NewHTTPPage creates a page fetching url.
func NewHTTPPage(id, url string, opts ...HTTPOption) *HTTPPage {
	p := &HTTPPage{
		id:     id,
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; pollwatch/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// TabID returns the page id.
func (p *HTTPPage) TabID() string { return p.id }

// URL returns the configured location.
func (p *HTTPPage) URL(context.Context) (string, error) { return p.url, nil }

// Snapshot GETs the page. The returned location is the final one after
// redirects.
func (p *HTTPPage) Snapshot(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("browser: new request: %w", err)
	}
	req.Header.Set("User-Agent", p.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("browser: get %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("browser: get %s: status %d", p.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, "", fmt.Errorf("browser: read body: %w", err)
	}
	if len(body) > maxBody {
		return nil, "", fmt.Errorf("browser: get %s: body exceeds %d bytes", p.url, maxBody)
	}
	p.logger.Debug("browser: fetched", "url", p.url, "status", resp.StatusCode, "size", len(body))
	return body, resp.Request.URL.String(), nil
}
