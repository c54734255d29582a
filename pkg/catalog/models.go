package catalog

import (
	"time"

	"github.com/citypulse/platform/pkg/common/models"
	"gorm.io/datatypes"
)

type SourceRecord struct {
	ID                  string                                  `gorm:"primaryKey;column:id"`
	Name                string                                  `gorm:"column:name"`
	Kind                string                                  `gorm:"column:kind"`
	Config              datatypes.JSONType[models.SourceConfig] `gorm:"column:config"`
	IsEnabled           bool                                    `gorm:"column:is_enabled"`
	LastSuccessAt       *time.Time                              `gorm:"column:last_success_at"`
	LastFailureAt       *time.Time                              `gorm:"column:last_failure_at"`
	ConsecutiveFailures int                                     `gorm:"column:consecutive_failures"`
	Healthy             bool                                    `gorm:"column:healthy"`
	CreatedAt           time.Time                               `gorm:"column:created_at"`
	UpdatedAt           time.Time                               `gorm:"column:updated_at"`
}

func (SourceRecord) TableName() string {
	return "sources"
}

type VenueRecord struct {
	ID           string   `gorm:"primaryKey;column:id"`
	Key          string   `gorm:"column:key;uniqueIndex"`
	Name         string   `gorm:"column:name"`
	Address      string   `gorm:"column:address"`
	City         string   `gorm:"column:city"`
	PostalCode   string   `gorm:"column:postal_code"`
	Lat          *float64 `gorm:"column:lat"`
	Lon          *float64 `gorm:"column:lon"`
	Neighborhood *string  `gorm:"column:neighborhood"`
	Capacity     *int     `gorm:"column:capacity"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (VenueRecord) TableName() string {
	return "venues"
}

type EventRecord struct {
	ID             string                                    `gorm:"primaryKey;column:id"`
	Title          string                                    `gorm:"column:title"`
	Description    string                                    `gorm:"column:description"`
	StartAt        time.Time                                 `gorm:"column:start_at;index:idx_events_window,priority:2"`
	EndAt          *time.Time                                `gorm:"column:end_at"`
	Category       string                                    `gorm:"column:category;index"`
	Tags           datatypes.JSONSlice[string]               `gorm:"column:tags"`
	StructuredTags datatypes.JSONSlice[models.StructuredTag] `gorm:"column:structured_tags"`
	PriceMin       *int64                                    `gorm:"column:price_min"`
	PriceMax       *int64                                    `gorm:"column:price_max"`
	Currency       string                                    `gorm:"column:currency"`
	Status         string                                    `gorm:"column:status"`
	Source         string                                    `gorm:"column:source;index:idx_events_source_ext"`
	ExternalID     string                                    `gorm:"column:external_id;index:idx_events_source_ext"`
	VenueID        *string                                   `gorm:"column:venue_id"`
	VenueKey       string                                    `gorm:"column:venue_key;index:idx_events_window,priority:1"`
	Language       string                                    `gorm:"column:language"`
	ImageURL       string                                    `gorm:"column:image_url"`
	URL            string                                    `gorm:"column:url"`
	CreatedAt      time.Time                                 `gorm:"column:created_at"`
	UpdatedAt      time.Time                                 `gorm:"column:updated_at"`
}

func (EventRecord) TableName() string {
	return "events"
}

// EventSourceRecord is unique on (source_id, external_id) for non-empty external ids.
type EventSourceRecord struct {
	EventID     string    `gorm:"column:event_id;index"`
	SourceID    string    `gorm:"column:source_id;uniqueIndex:idx_event_sources_key,where:external_id <> ''"`
	ExternalID  string    `gorm:"column:external_id;uniqueIndex:idx_event_sources_key,where:external_id <> ''"`
	IsPrimary   bool      `gorm:"column:is_primary"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
}

func (EventSourceRecord) TableName() string {
	return "event_sources"
}

type ImportJobRecord struct {
	ID         string            `gorm:"primaryKey;column:id"`
	RunID      string            `gorm:"column:run_id;index"`
	SourceID   string            `gorm:"column:source_id;index"`
	Status     string            `gorm:"column:status;index"`
	RunAt      time.Time         `gorm:"column:run_at"`
	StartedAt  time.Time         `gorm:"column:started_at"`
	FinishedAt *time.Time        `gorm:"column:finished_at"`
	NbCreated  int               `gorm:"column:nb_created"`
	NbUpdated  int               `gorm:"column:nb_updated"`
	NbSkipped  int               `gorm:"column:nb_skipped"`
	NbErrors   int               `gorm:"column:nb_errors"`
	Stats      datatypes.JSONMap `gorm:"column:stats"`
	ErrorText  string            `gorm:"column:error_text"`
}

func (ImportJobRecord) TableName() string {
	return "import_jobs"
}

type SubscriberRecord struct {
	ID        string                      `gorm:"primaryKey;column:id"`
	Email     string                      `gorm:"column:email;uniqueIndex"`
	Genres    datatypes.JSONSlice[string] `gorm:"column:genres"`
	Styles    datatypes.JSONSlice[string] `gorm:"column:styles"`
	CreatedAt time.Time                   `gorm:"column:created_at"`
}

func (SubscriberRecord) TableName() string {
	return "subscribers"
}

type FavoriteRecord struct {
	SubscriberID string    `gorm:"primaryKey;column:subscriber_id"`
	EventID      string    `gorm:"primaryKey;column:event_id"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (FavoriteRecord) TableName() string {
	return "subscriber_favorites"
}

type NotificationRecord struct {
	ID           string    `gorm:"primaryKey;column:id"`
	SubscriberID string    `gorm:"column:subscriber_id;uniqueIndex:idx_notifications_pair"`
	EventID      string    `gorm:"column:event_id;uniqueIndex:idx_notifications_pair"`
	Reason       string    `gorm:"column:reason"`
	Template     string    `gorm:"column:template"`
	Message      string    `gorm:"column:message"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (NotificationRecord) TableName() string {
	return "notifications"
}

func sourceFromRecord(r SourceRecord) models.Source {
	return models.Source{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      models.SourceKind(r.Kind),
		Config:    r.Config.Data(),
		IsEnabled: r.IsEnabled,
		Health: models.Health{
			LastSuccessAt:       r.LastSuccessAt,
			LastFailureAt:       r.LastFailureAt,
			ConsecutiveFailures: r.ConsecutiveFailures,
			Healthy:             r.Healthy,
		},
	}
}

func sourceToRecord(s models.Source) SourceRecord {
	return SourceRecord{
		ID:                  s.ID,
		Name:                s.Name,
		Kind:                string(s.Kind),
		Config:              datatypes.NewJSONType(s.Config),
		IsEnabled:           s.IsEnabled,
		LastSuccessAt:       s.Health.LastSuccessAt,
		LastFailureAt:       s.Health.LastFailureAt,
		ConsecutiveFailures: s.Health.ConsecutiveFailures,
		Healthy:             s.Health.Healthy,
	}
}

func eventFromRecord(r EventRecord) models.Event {
	return models.Event{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		StartAt:        r.StartAt.UTC(),
		EndAt:          r.EndAt,
		Category:       models.Category(r.Category),
		Tags:           []string(r.Tags),
		StructuredTags: []models.StructuredTag(r.StructuredTags),
		PriceMin:       r.PriceMin,
		PriceMax:       r.PriceMax,
		Currency:       r.Currency,
		Status:         models.EventStatus(r.Status),
		Source:         r.Source,
		ExternalID:     r.ExternalID,
		VenueID:        r.VenueID,
		VenueKey:       r.VenueKey,
		Language:       r.Language,
		ImageURL:       r.ImageURL,
		URL:            r.URL,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func eventToRecord(e models.Event) EventRecord {
	return EventRecord{
		ID:             e.ID,
		Title:          e.Title,
		Description:    e.Description,
		StartAt:        e.StartAt.UTC(),
		EndAt:          e.EndAt,
		Category:       string(e.Category),
		Tags:           datatypes.JSONSlice[string](e.Tags),
		StructuredTags: datatypes.JSONSlice[models.StructuredTag](e.StructuredTags),
		PriceMin:       e.PriceMin,
		PriceMax:       e.PriceMax,
		Currency:       e.Currency,
		Status:         string(e.Status),
		Source:         e.Source,
		ExternalID:     e.ExternalID,
		VenueID:        e.VenueID,
		VenueKey:       e.VenueKey,
		Language:       e.Language,
		ImageURL:       e.ImageURL,
		URL:            e.URL,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func venueToRecord(v models.Venue) VenueRecord {
	return VenueRecord{
		ID:           v.ID,
		Key:          v.Key,
		Name:         v.Name,
		Address:      v.Address,
		City:         v.City,
		PostalCode:   v.PostalCode,
		Lat:          v.Lat,
		Lon:          v.Lon,
		Neighborhood: v.Neighborhood,
		Capacity:     v.Capacity,
	}
}

func linkFromRecord(r EventSourceRecord) models.EventSource {
	return models.EventSource{
		EventID:     r.EventID,
		SourceID:    r.SourceID,
		ExternalID:  r.ExternalID,
		IsPrimary:   r.IsPrimary,
		FirstSeenAt: r.FirstSeenAt,
		LastSeenAt:  r.LastSeenAt,
	}
}

func jobFromRecord(r ImportJobRecord) models.ImportJob {
	return models.ImportJob{
		ID:         r.ID,
		RunID:      r.RunID,
		SourceID:   r.SourceID,
		Status:     models.JobStatus(r.Status),
		RunAt:      r.RunAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		NbCreated:  r.NbCreated,
		NbUpdated:  r.NbUpdated,
		NbSkipped:  r.NbSkipped,
		NbErrors:   r.NbErrors,
		Stats:      map[string]interface{}(r.Stats),
		ErrorText:  r.ErrorText,
	}
}

func jobToRecord(j models.ImportJob) ImportJobRecord {
	return ImportJobRecord{
		ID:         j.ID,
		RunID:      j.RunID,
		SourceID:   j.SourceID,
		Status:     string(j.Status),
		RunAt:      j.RunAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		NbCreated:  j.NbCreated,
		NbUpdated:  j.NbUpdated,
		NbSkipped:  j.NbSkipped,
		NbErrors:   j.NbErrors,
		Stats:      datatypes.JSONMap(j.Stats),
		ErrorText:  j.ErrorText,
	}
}
