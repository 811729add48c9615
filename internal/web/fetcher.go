package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/groupchat/backend/pkg/logger"
	"github.com/groupchat/backend/pkg/retry"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 2 << 20
	userAgent       = "GroupChatProfileFetcher/1.0"
)

var (
	ErrInvalidURL  = errors.New("profile url must be absolute http(s)")
	ErrNotHTML     = errors.New("profile url did not return html")
	ErrPageTooBig  = errors.New("profile page exceeds size limit")
	errServerError = errors.New("profile host returned a server error")
)

// Fetcher downloads public profile pages for contact ingestion.
type Fetcher struct {
	httpClient  *http.Client
	maxBytes    int64
	retryConfig retry.Config
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.httpClient = c } }

func WithMaxBytes(n int64) Option { return func(f *Fetcher) { f.maxBytes = n } }

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxBytes:   defaultMaxBytes,
		retryConfig: retry.Config{
			MaxAttempts:     3,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        2 * time.Second,
			Multiplier:      2.0,
			JitterFraction:  0.1,
			RetryableErrors: []error{errServerError},
			Operation:       "profile_fetch",
			Logger:          logger.GetLogger(),
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch returns the raw HTML at rawURL. Server errors are retried; client
// errors and non-HTML responses are not.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if !ValidURL(rawURL) {
		return "", ErrInvalidURL
	}

	page, err := retry.DoWithResult(ctx, f.retryConfig, func() (string, error) {
		return f.fetchOnce(ctx, rawURL)
	})
	if err != nil {
		return "", err
	}

	logger.Debug("Profile page fetched", zap.String("url", rawURL), zap.Int("bytes", len(page)))
	return page, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", errServerError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("profile fetch returned status %d", resp.StatusCode)
	}

	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mediaType != "text/html" {
		return "", ErrNotHTML
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read profile: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", ErrPageTooBig
	}
	return string(body), nil
}
