package server

import (
	"errors"
	"testing"

	"github.com/any-hub/tiercache/internal/cache"
	"github.com/any-hub/tiercache/internal/config"
)

func testConfig(port int) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort: port,
		},
		Origins: []config.OriginConfig{
			{
				Name:   "avatars",
				Host:   "img.example.com",
				Scheme: "https",
			},
			{
				Name:   "thumbs",
				Host:   "thumbs.local:8080",
				Scheme: "http",
				Tier:   "disk_only",
			},
		},
	}
}

func TestOriginRegistryLookupByHost(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("IMG.example.com.")
	if !ok {
		t.Fatalf("expected avatars route")
	}
	if route.Config.Name != "avatars" {
		t.Errorf("wrong origin returned: %s", route.Config.Name)
	}
	if route.Tier != cache.TierDefault {
		t.Errorf("origin without override should use default tier, got %s", route.Tier)
	}
	if route.ListenPort != 5000 {
		t.Errorf("listen port not recorded: %d", route.ListenPort)
	}

	thumbs, ok := registry.Lookup("thumbs.local:8080")
	if !ok {
		t.Fatalf("expected thumbs route")
	}
	if thumbs.Tier != cache.TierDiskOnly {
		t.Errorf("tier override lost: %s", thumbs.Tier)
	}
	if _, ok := registry.Lookup("thumbs.local"); ok {
		t.Fatalf("host without port must not match a port-specific origin")
	}

	if list := registry.List(); len(list) != 2 || list[0].Config.Name != "avatars" {
		t.Fatalf("list should keep config order: %+v", list)
	}
}

func TestOriginRegistryResolve(t *testing.T) {
	registry, err := NewOriginRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testCases := []struct {
		name    string
		raw     string
		origin  string
		wantErr error
	}{
		{"plain", "https://img.example.com/a.png", "avatars", nil},
		{"default port", "https://img.example.com:443/a.png", "avatars", nil},
		{"explicit port", "http://thumbs.local:8080/t/1.jpg", "thumbs", nil},
		{"scheme mismatch", "http://img.example.com/a.png", "", ErrOriginNotAllowed},
		{"unknown host", "https://evil.example.com/a.png", "", ErrOriginNotAllowed},
		{"relative", "/a.png", "", ErrInvalidURL},
		{"ftp", "ftp://img.example.com/a.png", "", ErrInvalidURL},
		{"garbage", "https://%zz", "", ErrInvalidURL},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			route, parsed, err := registry.Resolve(tc.raw)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route.Config.Name != tc.origin {
				t.Fatalf("expected origin %s, got %s", tc.origin, route.Config.Name)
			}
			if parsed == nil || parsed.Host == "" {
				t.Fatalf("parsed url missing")
			}
		})
	}
}

func TestOriginRegistryRejectsDuplicateHosts(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Origins = append(cfg.Origins, config.OriginConfig{Name: "mirror", Host: "img.example.com"})
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("duplicate host should fail")
	}
}

func TestNewOriginRegistryNilConfig(t *testing.T) {
	if _, err := NewOriginRegistry(nil); err == nil {
		t.Fatalf("nil config should fail")
	}
}
