package normalizer

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/models"
)

// PlaceholderImageURL replaces missing images so readers never see an empty image.
const PlaceholderImageURL = "https://static.citypulse.app/img/event-placeholder.png"

const (
	maxTitleLength       = 300
	maxDescriptionLength = 8000
)

var currencySymbols = map[string]string{
	"€": "EUR",
	"$": "USD",
	"£": "GBP",
	"¥": "JPY",
}

type Transformer struct {
	categories      CategoryTable
	defaultCurrency string
}

func NewTransformer(categories CategoryTable, defaultCurrency string) *Transformer {
	if len(categories.Rules) == 0 {
		categories = DefaultCategories()
	}
	currency := strings.ToUpper(strings.TrimSpace(defaultCurrency))
	if currency == "" {
		currency = "EUR"
	}
	return &Transformer{categories: categories, defaultCurrency: currency}
}

// Normalize maps one adapter record to a catalog candidate. It is deterministic for a given now.
func (t *Transformer) Normalize(sourceID string, ev models.UnifiedEvent, now time.Time) (*models.Candidate, error) {
	externalID := strings.TrimSpace(ev.ExternalID)

	title := truncate(CleanText(ev.Title), maxTitleLength)
	if title == "" {
		return nil, &errs.MalformedRecordError{ExternalID: externalID, Reason: "title missing"}
	}

	occ, ok := SelectOccurrence(ev.Occurrences, now)
	if !ok {
		return nil, &errs.MalformedRecordError{ExternalID: externalID, Reason: "no valid occurrence"}
	}

	description := truncate(CleanText(ev.Description), maxDescriptionLength)
	tags := normalizeTags(ev.RawTags)

	event := models.Event{
		Title:       title,
		Description: description,
		StartAt:     occ.Start.UTC(),
		Category:    t.inferCategory(ev.RawCategory, tags, title, description),
		Tags:        tags,
		Status:      models.EventStatusScheduled,
		Source:      sourceID,
		ExternalID:  externalID,
		Language:    detectLanguage(title, description),
		ImageURL:    strings.TrimSpace(ev.ImageURL),
		URL:         strings.TrimSpace(ev.URL),
	}
	if occ.End != nil && occ.End.After(occ.Start) {
		end := occ.End.UTC()
		event.EndAt = &end
	}
	if event.ImageURL == "" {
		event.ImageURL = PlaceholderImageURL
	}
	if ev.Cancelled {
		event.Status = models.EventStatusCancelled
	}
	event.PriceMin, event.PriceMax, event.Currency = t.normalizePrice(ev.Price)

	candidate := &models.Candidate{Event: event}
	if venue := buildVenue(ev.Venue); venue != nil {
		candidate.Venue = venue
		candidate.VenueKey = venue.Key
		candidate.VenueTokens = Tokens(venue.Name)
		candidate.Event.VenueKey = venue.Key
	}
	return candidate, nil
}

// SelectOccurrence picks the soonest occurrence starting at or after now,
// or the latest one when every occurrence is in the past.
func SelectOccurrence(occurrences []models.Occurrence, now time.Time) (models.Occurrence, bool) {
	var (
		future, past         models.Occurrence
		haveFuture, havePast bool
	)
	for _, occ := range occurrences {
		if occ.Start.IsZero() {
			continue
		}
		if !occ.Start.Before(now) {
			if !haveFuture || occ.Start.Before(future.Start) {
				future, haveFuture = occ, true
			}
			continue
		}
		if !havePast || occ.Start.After(past.Start) {
			past, havePast = occ, true
		}
	}
	if haveFuture {
		return future, true
	}
	return past, havePast
}

func (t *Transformer) inferCategory(rawCategory string, tags []string, title, description string) models.Category {
	if c, ok := t.categories.Match(rawCategory + " " + strings.Join(tags, " ")); ok {
		return c
	}
	if c, ok := t.categories.Match(title + " " + description); ok {
		return c
	}
	return models.CategoryCommunity
}

// normalizePrice keeps missing prices nil; only an explicit zero means free.
func (t *Transformer) normalizePrice(p *models.RawPrice) (*int64, *int64, string) {
	if p == nil {
		return nil, nil, ""
	}
	min := toMinorUnits(p.Min)
	max := toMinorUnits(p.Max)
	if min == nil && max == nil {
		return nil, nil, ""
	}
	if min != nil && max != nil && *max < *min {
		min, max = max, min
	}
	return min, max, t.normalizeCurrency(p.Currency)
}

func (t *Transformer) normalizeCurrency(raw string) string {
	c := strings.TrimSpace(raw)
	if code, ok := currencySymbols[c]; ok {
		return code
	}
	c = strings.ToUpper(c)
	if len(c) == 3 && strings.IndexFunc(c, func(r rune) bool { return r < 'A' || r > 'Z' }) < 0 {
		return c
	}
	return t.defaultCurrency
}

func toMinorUnits(v *float64) *int64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return nil
	}
	cents := int64(math.Round(*v * 100))
	return &cents
}

func normalizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, tag := range raw {
		folded := strings.Join(Tokens(tag), " ")
		if folded == "" {
			continue
		}
		if _, ok := seen[folded]; ok {
			continue
		}
		seen[folded] = struct{}{}
		out = append(out, folded)
	}
	sort.Strings(out)
	return out
}

func detectLanguage(title, description string) string {
	text := strings.TrimSpace(title + ". " + description)
	if len([]rune(text)) < 20 {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func buildVenue(raw models.RawVenue) *models.Venue {
	name := CleanText(raw.Name)
	address := CleanText(raw.Address)
	if name == "" {
		name = address
	}
	key := VenueKey(name, raw.PostalCode)
	if key == "" {
		return nil
	}
	venue := &models.Venue{
		Key:        key,
		Name:       name,
		Address:    address,
		City:       CleanText(raw.City),
		PostalCode: strings.TrimSpace(raw.PostalCode),
		Capacity:   raw.Capacity,
	}
	if validCoordinates(raw.Lat, raw.Lon) {
		lat, lon := *raw.Lat, *raw.Lon
		venue.Lat, venue.Lon = &lat, &lon
	}
	return venue
}

func validCoordinates(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	if *lat == 0 && *lon == 0 {
		return false
	}
	return *lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180
}
