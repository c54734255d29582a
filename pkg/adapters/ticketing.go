package adapters

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/models"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const ticketingTimeLayout = "2006-01-02T15:04:05Z"

// ticketingAdapter pages through a ticketing marketplace discovery API.
type ticketingAdapter struct {
	base
	cfg    models.TicketingConfig
	client *http.Client
	apiKey string
}

type ticketingResponse struct {
	Embedded struct {
		Events []ticketingEvent `json:"events"`
	} `json:"_embedded"`
	Page struct {
		Size          int `json:"size"`
		TotalElements int `json:"totalElements"`
		TotalPages    int `json:"totalPages"`
		Number        int `json:"number"`
	} `json:"page"`
}

type ticketingEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Info  string `json:"info"`
	URL   string `json:"url"`
	Dates struct {
		Start    ticketingDate `json:"start"`
		End      ticketingDate `json:"end"`
		Timezone string        `json:"timezone"`
		Status   struct {
			Code string `json:"code"`
		} `json:"status"`
	} `json:"dates"`
	PriceRanges []struct {
		Type     string   `json:"type"`
		Currency string   `json:"currency"`
		Min      *float64 `json:"min"`
		Max      *float64 `json:"max"`
	} `json:"priceRanges"`
	Classifications []struct {
		Segment  ticketingName `json:"segment"`
		Genre    ticketingName `json:"genre"`
		SubGenre ticketingName `json:"subGenre"`
	} `json:"classifications"`
	Images []struct {
		URL   string `json:"url"`
		Width int    `json:"width"`
	} `json:"images"`
	Embedded struct {
		Venues []ticketingVenue `json:"venues"`
	} `json:"_embedded"`
}

type ticketingDate struct {
	DateTime  string `json:"dateTime"`
	LocalDate string `json:"localDate"`
	LocalTime string `json:"localTime"`
}

type ticketingName struct {
	Name string `json:"name"`
}

type ticketingVenue struct {
	Name    string `json:"name"`
	Address struct {
		Line1 string `json:"line1"`
	} `json:"address"`
	City       ticketingName `json:"city"`
	PostalCode string        `json:"postalCode"`
	Location   struct {
		Latitude  string `json:"latitude"`
		Longitude string `json:"longitude"`
	} `json:"location"`
}

func newTicketingAdapter(b base, cfg models.TicketingConfig) (*ticketingAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, configError(b.sourceID, "ticketing base_url required")
	}
	a := &ticketingAdapter{base: b, cfg: cfg}
	switch {
	case cfg.ClientID != "":
		if cfg.TokenURL == "" {
			return nil, configError(b.sourceID, "ticketing token_url required with client_id")
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		// Token requests go through the same transport as page requests.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, b.client)
		a.client = b.withTokenSource(cc.TokenSource(tokenCtx))
	case cfg.APIKey != "":
		a.client = b.client
		a.apiKey = cfg.APIKey
	default:
		return nil, configError(b.sourceID, "ticketing api_key or client_id required")
	}
	return a, nil
}

func (a *ticketingAdapter) Fetch(ctx context.Context, window models.TimeRange) (*FetchResult, error) {
	result := &FetchResult{}
	root := strings.TrimRight(a.cfg.BaseURL, "/")

	for page := 0; ; page++ {
		if result.Pages >= a.maxPages {
			result.Truncated = true
			return result, nil
		}
		q := url.Values{}
		if a.cfg.City != "" {
			q.Set("city", a.cfg.City)
		}
		q.Set("startDateTime", window.Start.UTC().Format(ticketingTimeLayout))
		q.Set("endDateTime", window.End.UTC().Format(ticketingTimeLayout))
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(pageSize(a.cfg.PageSize)))
		if a.apiKey != "" {
			q.Set("apikey", a.apiKey)
		}

		body, err := a.get(ctx, a.client, root+"/events?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		result.Pages++

		var resp ticketingResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, a.decodeError(err)
		}
		for _, raw := range resp.Embedded.Events {
			ev, ok := a.toUnified(raw)
			if !ok {
				result.Skipped++
				continue
			}
			result.Events = append(result.Events, ev)
		}
		if len(resp.Embedded.Events) == 0 || resp.Page.Number+1 >= resp.Page.TotalPages {
			return result, nil
		}
	}
}

func (a *ticketingAdapter) toUnified(raw ticketingEvent) (models.UnifiedEvent, bool) {
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Name) == "" {
		return models.UnifiedEvent{}, false
	}
	loc := a.location
	if raw.Dates.Timezone != "" {
		if tz, err := time.LoadLocation(raw.Dates.Timezone); err == nil {
			loc = tz
		}
	}
	start, ok := ticketingTime(raw.Dates.Start, loc)
	if !ok {
		return models.UnifiedEvent{}, false
	}
	occ := models.Occurrence{Start: start}
	if end, ok := ticketingTime(raw.Dates.End, loc); ok {
		occ.End = &end
	}

	status := strings.ToLower(raw.Dates.Status.Code)
	ev := models.UnifiedEvent{
		ExternalID:  raw.ID,
		Title:       raw.Name,
		Description: raw.Info,
		Occurrences: []models.Occurrence{occ},
		URL:         raw.URL,
		Cancelled:   status == "cancelled" || status == "canceled",
		Price:       ticketingPrice(raw),
	}

	for _, c := range raw.Classifications {
		if ev.RawCategory == "" && knownName(c.Segment.Name) {
			ev.RawCategory = c.Segment.Name
		}
		for _, n := range []string{c.Genre.Name, c.SubGenre.Name} {
			if knownName(n) {
				ev.RawTags = append(ev.RawTags, n)
			}
		}
	}

	widest := -1
	for _, img := range raw.Images {
		if img.URL != "" && img.Width > widest {
			widest = img.Width
			ev.ImageURL = img.URL
		}
	}

	if len(raw.Embedded.Venues) > 0 {
		v := raw.Embedded.Venues[0]
		ev.Venue = models.RawVenue{
			Name:       v.Name,
			Address:    v.Address.Line1,
			City:       v.City.Name,
			PostalCode: v.PostalCode,
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(v.Location.Latitude), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(v.Location.Longitude), 64)
		if errLat == nil && errLon == nil {
			ev.Venue.Lat, ev.Venue.Lon = floatPtr(lat), floatPtr(lon)
		}
	}
	return ev, true
}

// ticketingTime prefers the absolute dateTime and falls back to the local date and time in loc.
func ticketingTime(d ticketingDate, loc *time.Location) (time.Time, bool) {
	if d.DateTime != "" {
		if t, err := parseTimestamp(d.DateTime); err == nil {
			return t, true
		}
	}
	if d.LocalDate == "" {
		return time.Time{}, false
	}
	layout, value := "2006-01-02", d.LocalDate
	if d.LocalTime != "" {
		layout, value = "2006-01-02 15:04:05", d.LocalDate+" "+d.LocalTime
	}
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func ticketingPrice(raw ticketingEvent) *models.RawPrice {
	var price *models.RawPrice
	for _, pr := range raw.PriceRanges {
		if pr.Min == nil && pr.Max == nil {
			continue
		}
		if price == nil {
			price = &models.RawPrice{Currency: pr.Currency}
		}
		if pr.Min != nil && (price.Min == nil || *pr.Min < *price.Min) {
			price.Min = floatPtr(*pr.Min)
		}
		if pr.Max != nil && (price.Max == nil || *pr.Max > *price.Max) {
			price.Max = floatPtr(*pr.Max)
		}
	}
	return price
}

func knownName(n string) bool {
	n = strings.TrimSpace(n)
	return n != "" && !strings.EqualFold(n, "undefined")
}
