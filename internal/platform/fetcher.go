package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultContentType  = "image/png"
	maxFailureBodyBytes = 256
)

// ErrFetchFailed indicates the asset could not be retrieved. Callers abandon the capture.
var ErrFetchFailed = errors.New("platform: asset fetch failed")

// Asset is a downloaded avatar image.
type Asset struct {
	Data        []byte
	ContentType string
	Format      string
}

// FetcherConfig describes a Fetcher.
type FetcherConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxBytes bounds how much of a body is read. The read stops one byte past the limit so
	// callers can still tell an oversize asset apart.
	MaxBytes int64
}

// Fetcher downloads platform assets over HTTP.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher returns a Fetcher with defaults applied.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Fetcher{httpClient: httpClient, maxBytes: cfg.MaxBytes}
}

// Fetch retrieves the asset at assetURL. Any status other than 200 is a failure.
func (fetcher *Fetcher) Fetch(ctx context.Context, assetURL string) (Asset, error) {
	if strings.TrimSpace(assetURL) == "" {
		return Asset{}, fmt.Errorf("%w: empty url", ErrFetchFailed)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	response, err := fetcher.httpClient.Do(request)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxFailureBodyBytes))
		return Asset{}, fmt.Errorf("%w: status %d: %s", ErrFetchFailed, response.StatusCode, strings.TrimSpace(string(detail)))
	}

	var body io.Reader = response.Body
	if fetcher.maxBytes > 0 {
		body = io.LimitReader(response.Body, fetcher.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}

	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	return Asset{
		Data:        data,
		ContentType: contentType,
		Format:      FormatFromContentType(contentType),
	}, nil
}

// FormatFromContentType derives a short format tag ("png", "gif", ...) from a MIME type.
func FormatFromContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	_, subtype, found := strings.Cut(strings.ToLower(strings.TrimSpace(mediaType)), "/")
	if !found || subtype == "" {
		return ""
	}
	return subtype
}
