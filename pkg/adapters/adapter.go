// Package adapters fetches raw listings from external providers and maps them
// to models.UnifiedEvent. Adapters never write to storage.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/httpclient"
	"github.com/citypulse/platform/pkg/common/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxPages = 5
	defaultPageSize = 50
)

type FetchResult struct {
	Events  []models.UnifiedEvent
	Skipped int
	Pages   int
	// Truncated is set when the page ceiling stopped pagination with more data available.
	Truncated bool
}

type Adapter interface {
	SourceID() string
	// Fetch returns every listing in window. Errors are always *errs.FetchError.
	Fetch(ctx context.Context, window models.TimeRange) (*FetchResult, error)
}

type Deps struct {
	HTTPClient *http.Client
	MaxPages   int
	RPS        float64
	Retry      httpclient.RetryConfig
	// Location interprets naive local timestamps.
	Location *time.Location
}

// New builds the adapter for src.Kind.
func New(src models.Source, deps Deps) (Adapter, error) {
	b := newBase(src.ID, deps)
	switch src.Kind {
	case models.SourceKindGraph:
		if src.Config.Graph == nil {
			return nil, configError(src.ID, "graph config missing")
		}
		return newGraphAdapter(b, *src.Config.Graph)
	case models.SourceKindTicketing:
		if src.Config.Ticketing == nil {
			return nil, configError(src.ID, "ticketing config missing")
		}
		return newTicketingAdapter(b, *src.Config.Ticketing)
	case models.SourceKindFeed:
		if src.Config.Feed == nil {
			return nil, configError(src.ID, "feed config missing")
		}
		return newFeedAdapter(b, *src.Config.Feed)
	default:
		return nil, configError(src.ID, fmt.Sprintf("unknown source kind %q", src.Kind))
	}
}

type base struct {
	sourceID string
	client   *http.Client
	limiter  *rate.Limiter
	maxPages int
	retry    httpclient.RetryConfig
	location *time.Location
}

func newBase(sourceID string, deps Deps) base {
	client := deps.HTTPClient
	if client == nil {
		client = httpclient.New(20 * time.Second)
	}
	maxPages := deps.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	rps := deps.RPS
	if rps <= 0 {
		rps = 2
	}
	retry := deps.Retry
	if retry.Attempts <= 0 {
		retry = httpclient.DefaultRetryConfig()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return base{
		sourceID: sourceID,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		maxPages: maxPages,
		retry:    retry,
		location: loc,
	}
}

func (b base) SourceID() string {
	return b.sourceID
}

// withTokenSource returns a client that authenticates every request through ts.
func (b base) withTokenSource(ts oauth2.TokenSource) *http.Client {
	transport := b.client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   b.client.Timeout,
		Transport: &oauth2.Transport{Source: ts, Base: transport},
	}
}

// get fetches one page after waiting for the rate limiter.
func (b base) get(ctx context.Context, client *http.Client, rawURL string, header http.Header) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, b.classify(err)
	}
	body, err := httpclient.Do(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		return req, nil
	}, b.retry)
	if err != nil {
		return nil, b.classify(err)
	}
	return body, nil
}

// classify maps transport failures to a FetchError kind.
func (b base) classify(err error) error {
	var fe *errs.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	var herr *httpclient.HTTPError
	if errors.As(err, &herr) {
		kind := errs.FetchNetwork
		switch {
		case herr.IsAuth():
			kind = errs.FetchAuth
		case herr.StatusCode == http.StatusTooManyRequests:
			kind = errs.FetchQuota
		case herr.StatusCode == http.StatusRequestTimeout:
			kind = errs.FetchTimeout
		case herr.StatusCode >= 400 && herr.StatusCode < 500:
			kind = errs.FetchConfig
		}
		return &errs.FetchError{Source: b.sourceID, Kind: kind, Status: herr.StatusCode, Err: err}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &errs.FetchError{Source: b.sourceID, Kind: errs.FetchAuth, Status: status, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.FetchError{Source: b.sourceID, Kind: errs.FetchTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &errs.FetchError{Source: b.sourceID, Kind: errs.FetchTimeout, Err: err}
	}
	return &errs.FetchError{Source: b.sourceID, Kind: errs.FetchNetwork, Err: err}
}

func (b base) decodeError(err error) error {
	return &errs.FetchError{Source: b.sourceID, Kind: errs.FetchDecode, Err: err}
}

func configError(sourceID, msg string) error {
	return &errs.FetchError{Source: sourceID, Kind: errs.FetchConfig, Err: errors.New(msg)}
}

func pageSize(configured int) int {
	if configured <= 0 {
		return defaultPageSize
	}
	return configured
}

func floatPtr(v float64) *float64 {
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// parseTimestamp accepts RFC 3339 and the offset-without-colon form used by graph APIs.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
