package geo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/httpclient"
	"github.com/citypulse/platform/pkg/observability/metrics"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Cache stores geocoding answers; a nil *Coordinates with found=true is a cached miss.
type Cache interface {
	Get(ctx context.Context, key string) (coords *Coordinates, found bool, err error)
	Set(ctx context.Context, key string, coords *Coordinates, ttl time.Duration) error
}

type GeocoderOptions struct {
	BaseURL   string
	UserAgent string
	RPS       float64
	Timeout   time.Duration
	CacheTTL  time.Duration
	Cache     Cache
	Retry     httpclient.RetryConfig
}

// Geocoder resolves a free-text address to coordinates through a Nominatim-style search API.
type Geocoder struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	cb        *gobreaker.CircuitBreaker[*Coordinates]
	cache     Cache
	cacheTTL  time.Duration
	retry     httpclient.RetryConfig
}

func NewGeocoder(opts GeocoderOptions) (*Geocoder, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("geocoder base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid geocoder url: %w", err)
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := opts.Retry
	if retry.Attempts <= 0 {
		retry = httpclient.DefaultRetryConfig()
	}
	return &Geocoder{
		baseURL:   base,
		userAgent: opts.UserAgent,
		client:    httpclient.New(timeout),
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		cb:        httpclient.NewBreaker[*Coordinates]("geocoder"),
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		retry:     retry,
	}, nil
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode returns (nil, nil) when the address is unknown and a *errs.ResolutionError on failure.
func (g *Geocoder) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	query := strings.Join(strings.Fields(address), " ")
	if query == "" {
		return nil, nil
	}
	key := "geocode:" + strings.ToLower(query)

	if g.cache != nil {
		if coords, found, err := g.cache.Get(ctx, key); err == nil && found {
			metrics.ObserveResolution(string(errs.StageGeocode), "cached")
			return coords, nil
		}
	}

	coords, err := g.cb.Execute(func() (*Coordinates, error) {
		return g.search(ctx, query)
	})
	if err != nil {
		metrics.ObserveResolution(string(errs.StageGeocode), "error")
		return nil, &errs.ResolutionError{Stage: errs.StageGeocode, Err: err}
	}

	if coords == nil {
		metrics.ObserveResolution(string(errs.StageGeocode), "miss")
	} else {
		metrics.ObserveResolution(string(errs.StageGeocode), "hit")
	}
	if g.cache != nil {
		_ = g.cache.Set(ctx, key, coords, g.cacheTTL)
	}
	return coords, nil
}

func (g *Geocoder) search(ctx context.Context, query string) (*Coordinates, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	endpoint := g.baseURL + "/search?" + params.Encode()

	body, err := httpclient.Do(ctx, g.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if g.userAgent != "" {
			req.Header.Set("User-Agent", g.userAgent)
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, g.retry)
	if err != nil {
		return nil, err
	}

	var results []searchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode geocoder response: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q", results[0].Lat)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q", results[0].Lon)
	}
	return &Coordinates{Lat: lat, Lon: lon}, nil
}
