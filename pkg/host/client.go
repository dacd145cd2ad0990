package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tdeslauriers/muse/internal/util"
)

// maxImageBytes bounds an image download so a misbehaving host cannot exhaust
// memory.  Larger originals are rejected, not truncated.
const maxImageBytes = 64 * 1024 * 1024

// Client is the capability port for the photo host.  Implementations fetch
// image bytes and album metadata; the wire protocol behind it is not this
// service's concern.
type Client interface {

	// FetchImage downloads the original image bytes at the provided url.
	FetchImage(ctx context.Context, fetchUrl string) ([]byte, string, error)

	// ListAlbumImages returns the image entries of one album.
	ListAlbumImages(ctx context.Context, albumKey string) ([]AlbumImage, error)

	// GetAlbumDetails returns the album's name, path, and hierarchy.
	GetAlbumDetails(ctx context.Context, albumKey string) (*AlbumDetails, error)
}

// NewClient creates a photo host client, returning a pointer to the concrete
// implementation.
func NewClient(cfg Config) (Client, error) {

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid photo host config: %v", err)
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = util.DefaultFetchTimeout
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}

	return &client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.FetchTimeout},

		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageHost)).
			With(slog.String(util.ComponentKey, util.ComponentHostClient)),
	}, nil
}

var _ Client = (*client)(nil)

// client is the concrete implementation of the Client interface.
type client struct {
	config Config
	http   *http.Client

	logger *slog.Logger
}

// FetchImage is the concrete implementation of the interface method which
// downloads the original image bytes at the provided url.
func (c *client) FetchImage(ctx context.Context, fetchUrl string) ([]byte, string, error) {

	if _, err := url.ParseRequestURI(fetchUrl); err != nil {
		return nil, "", fmt.Errorf("invalid fetch url: %v", err)
	}

	var body []byte
	var mime string

	err := c.withRetry(ctx, fmt.Sprintf("fetch image %s", fetchUrl), func() error {

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchUrl, nil)
		if err != nil {
			return fmt.Errorf("failed to build fetch request: %v", err)
		}
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetch request failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode, Operation: "fetch image"}
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return fmt.Errorf("failed to read image body: %v", err)
		}

		if len(raw) > maxImageBytes {
			return fmt.Errorf("image exceeds %d byte download limit", maxImageBytes)
		}

		body = raw
		mime = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return body, mime, nil
}

// ListAlbumImages is the concrete implementation of the interface method which
// returns the image entries of one album.
func (c *client) ListAlbumImages(ctx context.Context, albumKey string) ([]AlbumImage, error) {

	if albumKey == "" {
		return nil, fmt.Errorf("album key is required")
	}

	var images []AlbumImage
	endpoint := fmt.Sprintf("%s/albums/%s/images", c.config.BaseUrl, url.PathEscape(albumKey))

	if err := c.getJson(ctx, endpoint, "list album images", &images); err != nil {
		return nil, err
	}

	// entries without identity or a fetch location are dropped, not fatal
	valid := make([]AlbumImage, 0, len(images))
	for _, img := range images {
		if err := img.Validate(); err != nil {
			c.logger.Warn(fmt.Sprintf("dropping invalid listing entry in album '%s': %v", albumKey, err))
			continue
		}
		valid = append(valid, img)
	}

	return valid, nil
}

// GetAlbumDetails is the concrete implementation of the interface method which
// returns the album's name, path, and hierarchy.
func (c *client) GetAlbumDetails(ctx context.Context, albumKey string) (*AlbumDetails, error) {

	if albumKey == "" {
		return nil, fmt.Errorf("album key is required")
	}

	var details AlbumDetails
	endpoint := fmt.Sprintf("%s/albums/%s", c.config.BaseUrl, url.PathEscape(albumKey))

	if err := c.getJson(ctx, endpoint, "get album details", &details); err != nil {
		return nil, err
	}

	if details.AlbumKey == "" {
		details.AlbumKey = albumKey
	}

	if err := details.Validate(); err != nil {
		return nil, fmt.Errorf("photo host returned incomplete album details for '%s': %v", albumKey, err)
	}

	return &details, nil
}

// getJson performs an authorized GET and decodes the JSON response body.
func (c *client) getJson(ctx context.Context, endpoint, operation string, target interface{}) error {

	return c.withRetry(ctx, operation, func() error {

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to build %s request: %v", operation, err)
		}
		req.Header.Set("Accept", "application/json")
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s request failed: %v", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode, Operation: operation}
		}

		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode %s response: %v", operation, err)
		}

		return nil
	})
}

// authorize attaches the host api credentials to the request.
func (c *client) authorize(req *http.Request) {
	req.Header.Set("X-Api-Key", c.config.ApiKey)
	if c.config.ApiSecret != "" {
		req.Header.Set("X-Api-Secret", c.config.ApiSecret)
	}
}

// withRetry runs fn up to MaxRetries times with doubling backoff.  Only
// transient failures are retried; 4xx responses surface immediately.
func (c *client) withRetry(ctx context.Context, operation string, fn func() error) error {

	backoff := c.config.BaseBackoff

	var err error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {

		if err = fn(); err == nil {
			return nil
		}

		if !isRetryable(err) || attempt == c.config.MaxRetries {
			return err
		}

		c.logger.Warn(fmt.Sprintf("%s attempt %d failed, retrying in %v: %v", operation, attempt, backoff, err))

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %v", operation, ctx.Err())
		}
	}

	return err
}

// StatusError carries a non-200 photo host response status.
type StatusError struct {
	Code      int
	Operation string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("photo host returned status %d for %s", e.Code, e.Operation)
}

// isRetryable reports whether an error is worth retrying: network failures
// and 5xx/429 responses are; other HTTP statuses are not.
func isRetryable(err error) bool {

	if statusErr, ok := err.(*StatusError); ok {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	// non-status errors are transport failures, worth another attempt
	return true
}
