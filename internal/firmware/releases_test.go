package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/azymohliad/watchmate/internal/ota"
)

var testFeed = []Release{
	{
		Name:       "InfiniTime 1.15.0 RC",
		Tag:        "v1.15.0-rc1",
		Prerelease: true,
		Assets: []Asset{
			{Name: "pinetime-mcuboot-app-dfu-1.15.0-rc1.zip", Size: 4},
		},
	},
	{
		Name: "InfiniTime 1.14.1",
		Tag:  "v1.14.1",
		Assets: []Asset{
			{Name: "pinetime-mcuboot-app-dfu-1.14.1.zip", Size: 4},
			{Name: "infinitime-resources-1.14.1.zip", Size: 4},
			{Name: "pinetime-mcuboot-app-image-1.14.1.bin", Size: 4},
		},
	},
	{
		Name: "InfiniTime 1.14.0",
		Tag:  "v1.14.0",
		Assets: []Asset{
			{Name: "infinitime-resources-1.14.0.zip", Size: 4},
		},
	},
}

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewEncoder(w).Encode(testFeed); err != nil {
			t.Errorf("encoding feed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListReleasesChannels(t *testing.T) {
	srv := feedServer(t)
	client := NewClient(srv.URL)

	all, err := client.ListReleases(context.Background(), ChannelAll)
	if err != nil {
		t.Fatalf("ListReleases(all) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all channel has %d releases, want 3", len(all))
	}

	stable, err := client.ListReleases(context.Background(), ChannelStable)
	if err != nil {
		t.Fatalf("ListReleases(stable) error = %v", err)
	}
	if len(stable) != 2 {
		t.Fatalf("stable channel has %d releases, want 2", len(stable))
	}
	for _, r := range stable {
		if r.Prerelease {
			t.Errorf("prerelease %s leaked into stable channel", r.Tag)
		}
	}
}

func TestLatestPicksFlashableRelease(t *testing.T) {
	srv := feedServer(t)
	client := NewClient(srv.URL)

	latest, err := client.Latest(context.Background(), ChannelStable)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	// 1.14.0 is newer than nothing here but has no DFU asset; 1.14.1 wins.
	if latest.Tag != "v1.14.1" {
		t.Errorf("latest = %s, want v1.14.1", latest.Tag)
	}
	if latest.Version() != "1.14.1" {
		t.Errorf("Version() = %q, want tag without prefix", latest.Version())
	}
}

func TestReleaseAssetSelection(t *testing.T) {
	r := testFeed[1]

	dfu, ok := r.DFUAsset()
	if !ok || dfu.Name != "pinetime-mcuboot-app-dfu-1.14.1.zip" {
		t.Errorf("DFUAsset() = %v, %v", dfu, ok)
	}
	res, ok := r.ResourcesAsset()
	if !ok || res.Name != "infinitime-resources-1.14.1.zip" {
		t.Errorf("ResourcesAsset() = %v, %v", res, ok)
	}

	bare := Release{Assets: []Asset{{Name: "checksums.txt"}}}
	if _, ok := bare.DFUAsset(); ok {
		t.Error("DFUAsset() matched an unrelated asset")
	}
}

func TestFetchChecksDeclaredSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blob"))
	}))
	defer srv.Close()
	client := NewClient(srv.URL)

	data, err := client.Fetch(context.Background(), Asset{Name: "ok.zip", Size: 4, DownloadURL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(data) != "blob" {
		t.Errorf("Fetch() = %q", data)
	}

	if _, err := client.Fetch(context.Background(), Asset{Name: "short.zip", Size: 99, DownloadURL: srv.URL}); err == nil {
		t.Error("expected error for declared size mismatch")
	}
}

func TestSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()
	client := NewClient(srv.URL)

	if _, err := client.ListReleases(context.Background(), ChannelAll); !errors.Is(err, ota.ErrSourceUnavailable) {
		t.Errorf("ListReleases() error = %v, want ErrSourceUnavailable", err)
	}

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // connection refused from here on
	refused := NewClient(dead.URL)
	if _, err := refused.ListReleases(context.Background(), ChannelAll); !errors.Is(err, ota.ErrSourceUnavailable) {
		t.Errorf("ListReleases() against dead server error = %v, want ErrSourceUnavailable", err)
	}
}
