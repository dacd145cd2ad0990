package host

import (
	"fmt"
	"strings"
	"time"
)

// AlbumImage is one image entry as reported by the photo host's album listing.
type AlbumImage struct {
	SourceImageKey string `json:"source_image_key"`
	Filename       string `json:"filename"`
	Title          string `json:"title,omitempty"`
	Caption        string `json:"caption,omitempty"`
	FetchUrl       string `json:"fetch_url"`
}

// Validate validates the AlbumImage -> listing entries missing identity or a
// fetch location cannot become jobs.
func (img *AlbumImage) Validate() error {

	if strings.TrimSpace(img.SourceImageKey) == "" {
		return fmt.Errorf("source image key is required")
	}

	if strings.TrimSpace(img.FetchUrl) == "" {
		return fmt.Errorf("fetch url is required")
	}

	return nil
}

// AlbumDetails is the album context reported by the photo host: display name,
// path, and the ordered hierarchy of path segments from the host root.
type AlbumDetails struct {
	AlbumKey  string   `json:"album_key"`
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Hierarchy []string `json:"hierarchy"`
}

// Validate validates the AlbumDetails -> every job requires full album context.
func (d *AlbumDetails) Validate() error {

	if strings.TrimSpace(d.AlbumKey) == "" {
		return fmt.Errorf("album key is required")
	}

	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("album name is required")
	}

	if strings.TrimSpace(d.Path) == "" {
		return fmt.Errorf("album path is required")
	}

	if len(d.Hierarchy) < 1 {
		return fmt.Errorf("album hierarchy must have at least one segment")
	}

	return nil
}

// Config holds the photo host connection settings.
type Config struct {
	BaseUrl      string
	ApiKey       string
	ApiSecret    string
	FetchTimeout time.Duration
	MaxRetries   int
	BaseBackoff  time.Duration
}

// Validate validates the Config -> input validation.
func (c *Config) Validate() error {

	if strings.TrimSpace(c.BaseUrl) == "" {
		return fmt.Errorf("photo host base url is required")
	}

	if strings.TrimSpace(c.ApiKey) == "" {
		return fmt.Errorf("photo host api key is required")
	}

	return nil
}
