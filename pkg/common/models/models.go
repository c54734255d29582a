package models

import (
	"time"
)

type SourceKind string

const (
	SourceKindGraph     SourceKind = "graph"     // social-platform graph API
	SourceKindTicketing SourceKind = "ticketing" // ticketing marketplace
	SourceKindFeed      SourceKind = "feed"      // classified listings feed
)

// Source is a configured external provider.
type Source struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Kind      SourceKind   `json:"kind" yaml:"kind"`
	Config    SourceConfig `json:"config" yaml:"config"`
	IsEnabled bool         `json:"is_enabled" yaml:"enabled"`
	Health    Health       `json:"health" yaml:"-"`
}

// SourceConfig carries exactly one per-kind configuration, selected by Source.Kind.
type SourceConfig struct {
	Graph     *GraphConfig     `json:"graph,omitempty" yaml:"graph,omitempty"`
	Ticketing *TicketingConfig `json:"ticketing,omitempty" yaml:"ticketing,omitempty"`
	Feed      *FeedConfig      `json:"feed,omitempty" yaml:"feed,omitempty"`
}

type GraphConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	PageIDs     []string `json:"page_ids" yaml:"page_ids"`
	AccessToken string   `json:"access_token" yaml:"access_token"`
	PageSize    int      `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

type TicketingConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`
	City         string `json:"city" yaml:"city"`
	APIKey       string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	ClientID     string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	PageSize     int    `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

type FeedConfig struct {
	URL         string `json:"url" yaml:"url"`
	BearerToken string `json:"bearer_token" yaml:"bearer_token"`
	PageSize    int    `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

// Health tracks fetch outcomes for a source across runs.
type Health struct {
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Healthy             bool       `json:"healthy"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Adapter output. Never persisted as-is.
type UnifiedEvent struct {
	ExternalID  string
	Title       string
	Description string
	Occurrences []Occurrence
	Venue       RawVenue
	Price       *RawPrice
	RawCategory string
	RawTags     []string
	URL         string
	ImageURL    string
	Cancelled   bool
}

type Occurrence struct {
	Start time.Time
	End   *time.Time
}

type RawVenue struct {
	Name       string
	Address    string
	City       string
	PostalCode string
	Lat        *float64
	Lon        *float64
	Capacity   *int
}

type RawPrice struct {
	Min      *float64
	Max      *float64
	Currency string
}

type Category string

const (
	CategoryConcert    Category = "CONCERT"
	CategoryClubbing   Category = "CLUBBING"
	CategoryTheatre    Category = "THEATRE"
	CategoryExhibition Category = "EXHIBITION"
	CategoryFestival   Category = "FESTIVAL"
	CategorySport      Category = "SPORT"
	CategoryWorkshop   Category = "WORKSHOP"
	CategoryFood       Category = "FOOD"
	CategoryCinema     Category = "CINEMA"
	CategoryCommunity  Category = "COMMUNITY"
)

var Categories = []Category{
	CategoryConcert, CategoryClubbing, CategoryTheatre, CategoryExhibition, CategoryFestival,
	CategorySport, CategoryWorkshop, CategoryFood, CategoryCinema, CategoryCommunity,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type EventStatus string

const (
	EventStatusScheduled EventStatus = "SCHEDULED"
	EventStatusUpdated   EventStatus = "UPDATED"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// StructuredTag is a (category, value) pair such as (genre, "techno").
type StructuredTag struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

const (
	TagGenre    = "genre"
	TagStyle    = "style"
	TagAmbiance = "ambiance"
	TagType     = "type"
)

// Event is the canonical, deduplicated record.
type Event struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	StartAt        time.Time       `json:"start_at"`
	EndAt          *time.Time      `json:"end_at,omitempty"`
	Category       Category        `json:"category"`
	Tags           []string        `json:"tags,omitempty"`
	StructuredTags []StructuredTag `json:"structured_tags,omitempty"`
	PriceMin       *int64          `json:"price_min,omitempty"`
	PriceMax       *int64          `json:"price_max,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	Status         EventStatus     `json:"status"`
	Source         string          `json:"source"`
	ExternalID     string          `json:"external_id,omitempty"`
	VenueID        *string         `json:"venue_id,omitempty"`
	VenueKey       string          `json:"venue_key,omitempty"`
	Language       string          `json:"language,omitempty"`
	ImageURL       string          `json:"image_url"`
	URL            string          `json:"url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsFree is true only for an explicit zero minimum price.
func (e Event) IsFree() bool {
	return e.PriceMin != nil && *e.PriceMin == 0
}

func (e Event) TagValues(category string) []string {
	var out []string
	for _, t := range e.StructuredTags {
		if t.Category == category {
			out = append(out, t.Value)
		}
	}
	return out
}

// EventSource links an event to one source that reported it.
type EventSource struct {
	EventID     string    `json:"event_id"`
	SourceID    string    `json:"source_id"`
	ExternalID  string    `json:"external_id"`
	IsPrimary   bool      `json:"is_primary"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type Venue struct {
	ID           string   `json:"id"`
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Address      string   `json:"address,omitempty"`
	City         string   `json:"city,omitempty"`
	PostalCode   string   `json:"postal_code,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	Neighborhood *string  `json:"neighborhood,omitempty"`
	Capacity     *int     `json:"capacity,omitempty"`
}

func (v Venue) HasCoordinates() bool {
	return v.Lat != nil && v.Lon != nil
}

// Candidate is one normalized record on its way into the catalog.
type Candidate struct {
	Event    Event
	Venue    *Venue
	VenueKey string
	// VenueTokens are the normalized words of the venue name, stripped from titles during fuzzy matching.
	VenueTokens []string
}

type JobStatus string

const (
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusError   JobStatus = "ERROR"
)

// ImportJob is the audit record of one run for one source.
type ImportJob struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	SourceID   string                 `json:"source_id"`
	Status     JobStatus              `json:"status"`
	RunAt      time.Time              `json:"run_at"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	NbCreated  int                    `json:"nb_created"`
	NbUpdated  int                    `json:"nb_updated"`
	NbSkipped  int                    `json:"nb_skipped"`
	NbErrors   int                    `json:"nb_errors"`
	Stats      map[string]interface{} `json:"stats,omitempty"`
	ErrorText  string                 `json:"error_text,omitempty"`
}

type RunStatus string

const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusError   RunStatus = "ERROR"
)

type SourceRunResult struct {
	SourceID  string    `json:"source_id"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
	ErrorText string    `json:"error_text,omitempty"`
}

type RunSummary struct {
	RunID      string            `json:"run_id"`
	Status     RunStatus         `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Skipped    int               `json:"skipped"`
	Errors     int               `json:"errors"`
	Sources    []SourceRunResult `json:"sources"`
}

// Subscriber is the notification-side interest profile.
type Subscriber struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Genres       []string `json:"genres,omitempty"`
	Styles       []string `json:"styles,omitempty"`
	FavoriteTags []string `json:"favorite_tags,omitempty"`
}

func (s Subscriber) HasInterests() bool {
	return len(s.Genres) > 0 || len(s.Styles) > 0 || len(s.FavoriteTags) > 0
}

type NotificationReason string

const (
	ReasonGenreMatch         NotificationReason = "genre_match"
	ReasonStyleMatch         NotificationReason = "style_match"
	ReasonFavoriteSimilarity NotificationReason = "favorite_similarity"
)

type Notification struct {
	ID           string             `json:"id"`
	SubscriberID string             `json:"subscriber_id"`
	EventID      string             `json:"event_id"`
	Reason       NotificationReason `json:"reason"`
	Template     string             `json:"template"`
	Message      string             `json:"message"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Event bus envelope, shared by producers and consumers.
type BusEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
