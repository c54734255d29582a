package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/httpclient"
)

type memoryCache struct {
	mu    sync.Mutex
	items map[string]*Coordinates
}

func (m *memoryCache) Get(_ context.Context, key string) (*Coordinates, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[key]
	return c, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, c *Coordinates, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = c
	return nil
}

func TestGeocodeCachesResult(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("q") != "12 rue de la Roquette Paris" {
			t.Errorf("unexpected query %q", r.URL.Query().Get("q"))
		}
		w.Write([]byte(`[{"lat":"48.8553","lon":"2.3722"}]`))
	}))
	defer srv.Close()

	cache := &memoryCache{items: map[string]*Coordinates{}}
	g, err := NewGeocoder(GeocoderOptions{BaseURL: srv.URL, RPS: 100, Cache: cache})
	if err != nil {
		t.Fatalf("new geocoder: %v", err)
	}

	for i := 0; i < 2; i++ {
		coords, err := g.Geocode(context.Background(), "12 rue de la  Roquette Paris")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if coords == nil || coords.Lat != 48.8553 || coords.Lon != 2.3722 {
			t.Fatalf("unexpected coordinates %+v", coords)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}
}

func TestGeocodeUnknownAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	g, _ := NewGeocoder(GeocoderOptions{BaseURL: srv.URL, RPS: 100})
	coords, err := g.Geocode(context.Background(), "nowhere at all")
	if err != nil || coords != nil {
		t.Fatalf("expected nil coordinates and nil error, got %+v %v", coords, err)
	}
}

func TestGeocodeFailureIsResolutionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g, _ := NewGeocoder(GeocoderOptions{
		BaseURL: srv.URL,
		RPS:     100,
		Retry:   httpclient.RetryConfig{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	coords, err := g.Geocode(context.Background(), "1 place de la Bastille")
	if coords != nil {
		t.Fatalf("expected nil coordinates, got %+v", coords)
	}
	if !errs.IsResolutionError(err) {
		t.Fatalf("expected resolution error, got %v", err)
	}
}
