package adapters

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/normalizer"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

var (
	feedLocalLayouts = []string{"2006-01-02 15:04", "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}
	feedAmount       = regexp.MustCompile(`\d+(?:[.,]\d{1,2})?`)
	feedFreeWords    = []string{"free", "gratuit", "gratuite", "gratis", "entree libre", "libre"}
)

// feedAdapter reads a classified listings feed. Timestamps are naive local times and
// prices are free text.
type feedAdapter struct {
	base
	cfg    models.FeedConfig
	client *http.Client
}

type feedResponse struct {
	Items      []feedItem `json:"items"`
	HasMore    bool       `json:"has_more"`
	NextOffset *int       `json:"next_offset"`
}

type feedItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	StartsAt string   `json:"starts_at"`
	EndsAt   string   `json:"ends_at"`
	Venue    string   `json:"venue"`
	Address  string   `json:"address"`
	Postcode string   `json:"postcode"`
	City     string   `json:"city"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Price    string   `json:"price"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Link     string   `json:"link"`
	Photo    string   `json:"photo"`
	Status   string   `json:"status"`
}

func newFeedAdapter(b base, cfg models.FeedConfig) (*feedAdapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, configError(b.sourceID, "feed url required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, configError(b.sourceID, "feed url invalid: "+err.Error())
	}
	client := b.client
	if cfg.BearerToken != "" {
		client = b.withTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.BearerToken, TokenType: "Bearer"}))
	}
	return &feedAdapter{base: b, cfg: cfg, client: client}, nil
}

func (a *feedAdapter) Fetch(ctx context.Context, window models.TimeRange) (*FetchResult, error) {
	result := &FetchResult{}
	limit := pageSize(a.cfg.PageSize)
	offset := 0

	for {
		if result.Pages >= a.maxPages {
			result.Truncated = true
			return result, nil
		}
		u, err := url.Parse(a.cfg.URL)
		if err != nil {
			return nil, configError(a.sourceID, err.Error())
		}
		q := u.Query()
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(limit))
		q.Set("since", window.Start.In(a.location).Format("2006-01-02"))
		q.Set("until", window.End.In(a.location).Format("2006-01-02"))
		u.RawQuery = q.Encode()

		body, err := a.get(ctx, a.client, u.String(), nil)
		if err != nil {
			return nil, err
		}
		result.Pages++

		var resp feedResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, a.decodeError(err)
		}
		for _, raw := range resp.Items {
			ev, ok := a.toUnified(raw)
			if !ok {
				result.Skipped++
				continue
			}
			result.Events = append(result.Events, ev)
		}
		if !resp.HasMore || len(resp.Items) == 0 {
			return result, nil
		}
		if resp.NextOffset != nil && *resp.NextOffset > offset {
			offset = *resp.NextOffset
		} else {
			offset += len(resp.Items)
		}
	}
}

func (a *feedAdapter) toUnified(raw feedItem) (models.UnifiedEvent, bool) {
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Title) == "" {
		return models.UnifiedEvent{}, false
	}
	start, ok := parseLocal(raw.StartsAt, a.location)
	if !ok {
		return models.UnifiedEvent{}, false
	}
	occ := models.Occurrence{Start: start}
	if end, ok := parseLocal(raw.EndsAt, a.location); ok {
		occ.End = &end
	}
	status := strings.ToLower(strings.TrimSpace(raw.Status))
	return models.UnifiedEvent{
		ExternalID:  raw.ID,
		Title:       raw.Title,
		Description: raw.Body,
		Occurrences: []models.Occurrence{occ},
		Venue: models.RawVenue{
			Name:       firstNonEmpty(raw.Venue),
			Address:    raw.Address,
			City:       raw.City,
			PostalCode: raw.Postcode,
			Lat:        raw.Lat,
			Lon:        raw.Lng,
		},
		Price:       ParseFreeTextPrice(raw.Price),
		RawCategory: raw.Category,
		RawTags:     raw.Tags,
		URL:         raw.Link,
		ImageURL:    raw.Photo,
		Cancelled:   status == "cancelled" || status == "canceled" || status == "annule",
	}, true
}

func parseLocal(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range feedLocalLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	if t, err := parseTimestamp(raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ParseFreeTextPrice reads prices such as "12,50 €", "10-15 EUR" or "gratuit".
// It returns nil when no amount can be read, so unknown prices never become free.
func ParseFreeTextPrice(raw string) *models.RawPrice {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	currency := detectCurrency(text)

	amounts := feedAmount.FindAllString(text, -1)
	if len(amounts) == 0 {
		words := " " + strings.Join(normalizer.Tokens(text), " ") + " "
		for _, word := range feedFreeWords {
			if strings.Contains(words, " "+word+" ") {
				return &models.RawPrice{Min: floatPtr(0), Max: floatPtr(0), Currency: currency}
			}
		}
		return nil
	}

	price := &models.RawPrice{Currency: currency}
	for _, s := range amounts {
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
		if err != nil {
			continue
		}
		if price.Min == nil || v < *price.Min {
			price.Min = floatPtr(v)
		}
		if price.Max == nil || v > *price.Max {
			price.Max = floatPtr(v)
		}
	}
	if price.Min == nil {
		return nil
	}
	return price
}

func detectCurrency(text string) string {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(text, "€") || strings.Contains(upper, "EUR"):
		return "EUR"
	case strings.Contains(text, "£") || strings.Contains(upper, "GBP"):
		return "GBP"
	case strings.Contains(text, "$") || strings.Contains(upper, "USD"):
		return "USD"
	}
	return ""
}
