package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

var (
	// ErrImageNotFound means the catalog has no image with that ID
	ErrImageNotFound = errors.New("image not found")

	// ErrNoEndpoints means the client was configured without catalog endpoints
	ErrNoEndpoints = errors.New("no image catalog endpoints configured")
)

// Client is the read-only accessor to the image catalog
type Client interface {
	// Show returns an image's metadata
	Show(ctx context.Context, imageID string) (*types.ImageMeta, error)

	// GetLocation returns where an image's bits can be fetched from directly
	GetLocation(ctx context.Context, imageID string) (*types.ImageLocation, error)

	// Download streams an image's bits into the sink
	Download(ctx context.Context, imageID string, sink io.Writer) error
}

// RoundUpGB converts a byte count to whole gigabytes, rounding up.
// An image of 1 byte still needs a 1 GB volume.
func RoundUpGB(bytes int64) int {
	if bytes <= 0 {
		return 0
	}
	gb := int64(datasize.GB)
	return int((bytes + gb - 1) / gb)
}

// HTTPClient talks to an image catalog over HTTP, rotating across endpoints
// and retrying transient failures. Construct once at service start and pass
// by reference; there is no process-wide singleton.
type HTTPClient struct {
	endpoints []string
	retries   int
	next      uint32
	httpc     *http.Client
}

// NewHTTPClient creates a catalog client over the given base endpoints
// (e.g. "http://glance-1:9292"). retries is the number of attempts per call;
// values below 1 are clamped to 1.
func NewHTTPClient(endpoints []string, retries int, timeout time.Duration) *HTTPClient {
	if retries < 1 {
		retries = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoints: endpoints,
		retries:   retries,
		httpc:     &http.Client{Timeout: timeout},
	}
}

// imagePayload is the catalog's wire representation of image metadata
type imagePayload struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Size            int64             `json:"size"`
	DiskFormat      string            `json:"disk_format"`
	ContainerFormat string            `json:"container_format"`
	MinDisk         int               `json:"min_disk"`
	MinRAM          int               `json:"min_ram"`
	Status          string            `json:"status"`
	DirectURL       string            `json:"direct_url"`
	Locations       []string          `json:"locations"`
	Properties      map[string]string `json:"properties"`
}

// Show returns an image's metadata
func (c *HTTPClient) Show(ctx context.Context, imageID string) (*types.ImageMeta, error) {
	payload, err := c.fetch(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return &types.ImageMeta{
		ID:              payload.ID,
		Name:            payload.Name,
		SizeBytes:       payload.Size,
		DiskFormat:      payload.DiskFormat,
		ContainerFormat: payload.ContainerFormat,
		MinDiskGB:       payload.MinDisk,
		MinRAMMB:        payload.MinRAM,
		Status:          payload.Status,
		Properties:      payload.Properties,
	}, nil
}

// GetLocation returns the image's direct URL and alternate locations
func (c *HTTPClient) GetLocation(ctx context.Context, imageID string) (*types.ImageLocation, error) {
	payload, err := c.fetch(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return &types.ImageLocation{
		DirectURL: payload.DirectURL,
		Locations: payload.Locations,
	}, nil
}

// Download streams the image's bits into the sink
func (c *HTTPClient) Download(ctx context.Context, imageID string, sink io.Writer) error {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		endpoint, err := c.pick()
		if err != nil {
			return err
		}

		url := fmt.Sprintf("%s/v2/images/%s/file", endpoint, imageID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			log.Logger.Warn().Err(err).Str("endpoint", endpoint).
				Str("image_id", imageID).Msg("Image download attempt failed")
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
			continue
		}

		_, err = io.Copy(sink, resp.Body)
		resp.Body.Close()
		if err != nil {
			// A partial stream cannot be retried into the same sink
			return fmt.Errorf("image download interrupted: %w", err)
		}
		return nil
	}
	return fmt.Errorf("image download failed after %d attempts: %w", c.retries, lastErr)
}

func (c *HTTPClient) fetch(ctx context.Context, imageID string) (*imagePayload, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		endpoint, err := c.pick()
		if err != nil {
			return nil, err
		}

		url := fmt.Sprintf("%s/v2/images/%s", endpoint, imageID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			log.Logger.Warn().Err(err).Str("endpoint", endpoint).
				Str("image_id", imageID).Msg("Image catalog request failed")
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var payload imagePayload
			err := json.NewDecoder(resp.Body).Decode(&payload)
			resp.Body.Close()
			if err != nil {
				lastErr = err
				continue
			}
			return &payload, nil
		case http.StatusNotFound:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
		}
	}
	return nil, fmt.Errorf("image catalog unavailable after %d attempts: %w", c.retries, lastErr)
}

// pick returns the next endpoint round-robin
func (c *HTTPClient) pick() (string, error) {
	if len(c.endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	n := atomic.AddUint32(&c.next, 1)
	return c.endpoints[(int(n)-1)%len(c.endpoints)], nil
}
