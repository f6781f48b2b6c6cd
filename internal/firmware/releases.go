// Package firmware resolves published firmware releases and downloads their
// update assets.
package firmware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/azymohliad/watchmate/internal/ota"
)

// DefaultReleasesURL points at the InfiniTime releases feed.
const DefaultReleasesURL = "https://api.github.com/repos/InfiniTimeOrg/InfiniTime/releases"

// Channel selects which releases are visible.
type Channel string

const (
	// ChannelStable hides prereleases.
	ChannelStable Channel = "stable"
	// ChannelAll includes prereleases.
	ChannelAll Channel = "all"
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	DownloadURL string `json:"browser_download_url"`
}

// Release is one published firmware release.
type Release struct {
	Name        string    `json:"name"`
	Tag         string    `json:"tag_name"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// Version returns the release version without the tag's "v" prefix.
func (r Release) Version() string {
	return strings.TrimPrefix(r.Tag, "v")
}

// DFUAsset returns the flashable firmware archive, if the release has one.
func (r Release) DFUAsset() (Asset, bool) {
	return r.assetWithPrefix("pinetime-mcuboot-app-dfu")
}

// ResourcesAsset returns the external resources archive, if the release has one.
func (r Release) ResourcesAsset() (Asset, bool) {
	return r.assetWithPrefix("infinitime-resources")
}

func (r Release) assetWithPrefix(prefix string) (Asset, bool) {
	for _, a := range r.Assets {
		if strings.HasPrefix(a.Name, prefix) && strings.HasSuffix(a.Name, ".zip") {
			return a, true
		}
	}
	return Asset{}, false
}

// Client fetches releases from a GitHub-style API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a release client for the given feed URL. An empty URL
// selects the InfiniTime feed.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultReleasesURL
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ListReleases fetches the feed, newest first, filtered by channel.
func (c *Client) ListReleases(ctx context.Context, channel Channel) ([]Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("firmware: building release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ota.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: release feed returned %s", ota.ErrSourceUnavailable, resp.Status)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("%w: decoding release feed: %v", ota.ErrSourceUnavailable, err)
	}

	if channel == ChannelStable {
		filtered := releases[:0]
		for _, r := range releases {
			if !r.Prerelease {
				filtered = append(filtered, r)
			}
		}
		releases = filtered
	}
	slog.Debug("[firmware] release feed fetched", "url", c.BaseURL, "channel", channel, "releases", len(releases))
	return releases, nil
}

// Latest returns the newest release on the channel that carries a flashable
// firmware asset.
func (c *Client) Latest(ctx context.Context, channel Channel) (Release, error) {
	releases, err := c.ListReleases(ctx, channel)
	if err != nil {
		return Release{}, err
	}
	for _, r := range releases {
		if _, ok := r.DFUAsset(); ok {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("firmware: no flashable release on channel %q", channel)
}

// Fetch downloads an asset and checks it against its declared size.
func (c *Client) Fetch(ctx context.Context, asset Asset) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("firmware: building download request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ota.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: asset download returned %s", ota.ErrSourceUnavailable, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading %s: %v", ota.ErrSourceUnavailable, asset.Name, err)
	}
	if asset.Size > 0 && int64(len(data)) != asset.Size {
		return nil, fmt.Errorf("firmware: %s is %d bytes, feed declares %d", asset.Name, len(data), asset.Size)
	}
	slog.Info("[firmware] asset downloaded", "name", asset.Name, "size", len(data))
	return data, nil
}
