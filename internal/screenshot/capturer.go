// Package screenshot captures preview images of running sandbox apps.
package screenshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/mattjoyce/devle/internal/config"
)

//go:generate mockgen -destination=mocks/mock_capturer.go -package=mocks github.com/mattjoyce/devle/internal/screenshot Capturer

// Capturer turns a live app URL into a hosted image URL.
type Capturer interface {
	Capture(ctx context.Context, url string) (string, error)
}

// ErrDisabled is returned when no image host credentials are configured.
var ErrDisabled = errors.New("screenshot capture disabled")

// Cloudinary renders a thumbnail through a thumbnail service and uploads it
// with the Cloudinary SDK.
type Cloudinary struct {
	cfg    config.ScreenshotConfig
	client *http.Client
}

func New(cfg config.ScreenshotConfig) *Cloudinary {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Cloudinary{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Cloudinary) Capture(ctx context.Context, target string) (string, error) {
	if !c.cfg.Enabled() {
		return "", ErrDisabled
	}
	img, err := c.thumbnail(ctx, target)
	if err != nil {
		return "", err
	}
	return c.upload(ctx, img)
}

func (c *Cloudinary) thumbnail(ctx context.Context, target string) ([]byte, error) {
	u := strings.TrimRight(c.cfg.ThumbnailBase, "/") + "/width/1280/crop/720/" + target
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build thumbnail request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch thumbnail: status %d", resp.StatusCode)
	}
	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("fetch thumbnail: empty body")
	}
	return img, nil
}

func (c *Cloudinary) upload(ctx context.Context, img []byte) (string, error) {
	cld, err := cloudinary.NewFromParams(c.cfg.CloudName, c.cfg.APIKey, c.cfg.APISecret)
	if err != nil {
		return "", fmt.Errorf("configure image host: %w", err)
	}
	if c.cfg.UploadBase != "" {
		cld.Upload.Config.API.UploadPrefix = strings.TrimRight(c.cfg.UploadBase, "/")
	}
	cld.Upload.Client = http.Client{Timeout: c.client.Timeout}

	res, err := cld.Upload.Upload(ctx, bytes.NewReader(img), uploader.UploadParams{Format: "png"})
	if err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}
	if res.Error.Message != "" {
		return "", fmt.Errorf("upload screenshot: %s", res.Error.Message)
	}
	if res.SecureURL == "" {
		return "", fmt.Errorf("upload response has no secure_url")
	}
	return res.SecureURL, nil
}
