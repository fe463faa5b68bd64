package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a catalog from a local YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	return &c, nil
}

// Client pulls the catalog from a read-only configuration API and caches the
// last good snapshot. The engine never writes to this store except to
// register newly synthesized cacheable audio via RegisterAudio.
type Client struct {
	HTTPClient *http.Client

	baseURL string
	log     *zap.Logger

	mu       sync.Mutex
	etag     string
	snapshot *Catalog
}

// NewClient constructs a catalog API client.
func NewClient(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		log:        log,
	}
}

// Fetch returns the current catalog, revalidating the cached snapshot with
// an ETag conditional request. A stale snapshot is returned when the API is
// unreachable and one exists: a dialogue in progress beats a fresh config.
func (c *Client) Fetch(ctx context.Context) (*Catalog, error) {
	c.mu.Lock()
	etag := c.etag
	cached := c.snapshot
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/catalog", nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if cached != nil {
			c.log.Warn("catalog fetch failed, serving cached snapshot", zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("catalog: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		return cached, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("catalog: fetch status %d", resp.StatusCode)
	}

	var snap Catalog
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if snap.DefaultLanguage == "" {
		snap.DefaultLanguage = "en"
	}

	c.mu.Lock()
	c.etag = resp.Header.Get("ETag")
	c.snapshot = &snap
	c.mu.Unlock()
	return &snap, nil
}

// RegisterAudio registers a newly synthesized audio reference so future
// sessions resolve it from cache. This is the single write this engine is
// permitted against the configuration store.
func (c *Client) RegisterAudio(ctx context.Context, entry ContentEntry) error {
	body, _ := json.Marshal(entry)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/catalog/audio", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: register audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("catalog: register audio status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
