package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/citypulse/platform/pkg/common/models"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

const graphFields = "id,name,description,start_time,end_time,event_times,place,cover,ticket_uri,is_canceled,category"

// graphAdapter reads the events of a list of pages from a social-platform graph API.
// The access token is refreshed out of band and injected through the source config.
type graphAdapter struct {
	base
	cfg    models.GraphConfig
	client *http.Client
}

type graphResponse struct {
	Data   []graphEvent `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type graphEvent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	EventTimes  []struct {
		ID        string `json:"id"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	} `json:"event_times"`
	Place *struct {
		Name     string `json:"name"`
		Location *struct {
			Street    string   `json:"street"`
			City      string   `json:"city"`
			Zip       string   `json:"zip"`
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"location"`
	} `json:"place"`
	Cover *struct {
		Source string `json:"source"`
	} `json:"cover"`
	TicketURI  string `json:"ticket_uri"`
	IsCanceled bool   `json:"is_canceled"`
	Category   string `json:"category"`
}

func newGraphAdapter(b base, cfg models.GraphConfig) (*graphAdapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || len(cfg.PageIDs) == 0 {
		return nil, configError(b.sourceID, "graph base_url and page_ids required")
	}
	if cfg.AccessToken == "" {
		return nil, configError(b.sourceID, "graph access_token required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	return &graphAdapter{base: b, cfg: cfg, client: b.withTokenSource(ts)}, nil
}

func (a *graphAdapter) Fetch(ctx context.Context, window models.TimeRange) (*FetchResult, error) {
	result := &FetchResult{}
	root := strings.TrimRight(a.cfg.BaseURL, "/")

	for _, pageID := range a.cfg.PageIDs {
		q := url.Values{}
		q.Set("since", strconv.FormatInt(window.Start.Unix(), 10))
		q.Set("until", strconv.FormatInt(window.End.Unix(), 10))
		q.Set("limit", strconv.Itoa(pageSize(a.cfg.PageSize)))
		q.Set("fields", graphFields)
		next := root + "/" + url.PathEscape(strings.TrimSpace(pageID)) + "/events?" + q.Encode()

		for next != "" {
			if result.Pages >= a.maxPages {
				result.Truncated = true
				return result, nil
			}
			body, err := a.get(ctx, a.client, next, nil)
			if err != nil {
				return nil, err
			}
			result.Pages++

			var page graphResponse
			if err := json.Unmarshal(body, &page); err != nil {
				return nil, a.decodeError(err)
			}
			for _, raw := range page.Data {
				ev, ok := a.toUnified(raw)
				if !ok {
					result.Skipped++
					continue
				}
				result.Events = append(result.Events, ev)
			}
			next = page.Paging.Next
		}
	}
	return result, nil
}

func (a *graphAdapter) toUnified(raw graphEvent) (models.UnifiedEvent, bool) {
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Name) == "" {
		return models.UnifiedEvent{}, false
	}
	ev := models.UnifiedEvent{
		ExternalID:  raw.ID,
		Title:       raw.Name,
		Description: raw.Description,
		RawCategory: strings.ReplaceAll(strings.ToLower(raw.Category), "_", " "),
		URL:         raw.TicketURI,
		Cancelled:   raw.IsCanceled,
	}
	if raw.Cover != nil {
		ev.ImageURL = raw.Cover.Source
	}
	if raw.Place != nil {
		ev.Venue.Name = raw.Place.Name
		if loc := raw.Place.Location; loc != nil {
			ev.Venue.Address = loc.Street
			ev.Venue.City = loc.City
			ev.Venue.PostalCode = loc.Zip
			ev.Venue.Lat = loc.Latitude
			ev.Venue.Lon = loc.Longitude
		}
	}

	for _, et := range raw.EventTimes {
		if occ, err := graphOccurrence(et.StartTime, et.EndTime); err == nil {
			ev.Occurrences = append(ev.Occurrences, occ)
		}
	}
	if len(ev.Occurrences) == 0 {
		occ, err := graphOccurrence(raw.StartTime, raw.EndTime)
		if err != nil {
			return models.UnifiedEvent{}, false
		}
		ev.Occurrences = []models.Occurrence{occ}
	}
	return ev, true
}

func graphOccurrence(start, end string) (models.Occurrence, error) {
	if strings.TrimSpace(start) == "" {
		return models.Occurrence{}, errors.New("start time missing")
	}
	s, err := parseTimestamp(start)
	if err != nil {
		return models.Occurrence{}, err
	}
	occ := models.Occurrence{Start: s}
	if e, err := parseTimestamp(end); err == nil {
		occ.End = &e
	}
	return occ, nil
}
