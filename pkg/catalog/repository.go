package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the Postgres-backed Store. The gorm handle must be opened with TranslateError so
// unique violations surface as gorm.ErrDuplicatedKey.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&SourceRecord{},
		&VenueRecord{},
		&EventRecord{},
		&EventSourceRecord{},
		&ImportJobRecord{},
		&SubscriberRecord{},
		&FavoriteRecord{},
		&NotificationRecord{},
	)
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) ListSources(ctx context.Context) ([]models.Source, error) {
	var rows []SourceRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Source, 0, len(rows))
	for _, row := range rows {
		out = append(out, sourceFromRecord(row))
	}
	return out, nil
}

func (r *Repository) GetSource(ctx context.Context, id string) (*models.Source, error) {
	var row SourceRecord
	result := r.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	src := sourceFromRecord(row)
	return &src, nil
}

func (r *Repository) UpsertSource(ctx context.Context, src models.Source) error {
	row := sourceToRecord(src)
	row.Healthy = true
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "kind", "config", "updated_at"}),
	}).Create(&row).Error
}

func (r *Repository) RecordSourceOutcome(ctx context.Context, id string, success bool, at time.Time, unhealthyAfter int) (models.Health, error) {
	var health models.Health
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SourceRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		health = nextHealth(sourceFromRecord(row).Health, success, at, unhealthyAfter)
		return tx.Model(&SourceRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"last_success_at":      health.LastSuccessAt,
			"last_failure_at":      health.LastFailureAt,
			"consecutive_failures": health.ConsecutiveFailures,
			"healthy":              health.Healthy,
			"updated_at":           time.Now().UTC(),
		}).Error
	})
	return health, err
}

func (r *Repository) FindLink(ctx context.Context, sourceID, externalID string) (*models.EventSource, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var row EventSourceRecord
	result := r.db.WithContext(ctx).
		Where("source_id = ? AND external_id = ?", sourceID, externalID).
		First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	link := linkFromRecord(row)
	return &link, nil
}

func (r *Repository) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var row EventRecord
	result := r.db.WithContext(ctx).First(&row, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	ev := eventFromRecord(row)
	return &ev, nil
}

func (r *Repository) GetEvents(ctx context.Context, ids []string) ([]models.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []EventRecord
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("start_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return eventsFromRecords(rows), nil
}

func (r *Repository) FindCandidates(ctx context.Context, from, to time.Time, venueKey string) ([]models.Event, error) {
	var rows []EventRecord
	err := r.db.WithContext(ctx).
		Where("venue_key = ? AND start_at BETWEEN ? AND ? AND status <> ?", venueKey, from.UTC(), to.UTC(), string(models.EventStatusCancelled)).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return eventsFromRecords(rows), nil
}

func (r *Repository) CreateEvent(ctx context.Context, ev *models.Event, venue *models.Venue, seenAt time.Time) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if venue != nil {
			id, err := findOrCreateVenue(tx, venue)
			if err != nil {
				return fmt.Errorf("resolving venue %s: %w", venue.Key, err)
			}
			ev.VenueID = &id
			ev.VenueKey = venue.Key
		}

		row := eventToRecord(*ev)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		link := EventSourceRecord{
			EventID:     ev.ID,
			SourceID:    ev.Source,
			ExternalID:  ev.ExternalID,
			IsPrimary:   true,
			FirstSeenAt: seenAt.UTC(),
			LastSeenAt:  seenAt.UTC(),
		}
		return tx.Create(&link).Error
	})
	return translateConflict(err, ev.Source+"/"+ev.ExternalID)
}

// findOrCreateVenue looks the venue up by key and creates it when absent. Coordinates and
// neighborhood are filled on an existing venue only when it has none.
func findOrCreateVenue(tx *gorm.DB, venue *models.Venue) (string, error) {
	var existing VenueRecord
	err := tx.Where("key = ?", venue.Key).First(&existing).Error
	if err == nil {
		updates := map[string]interface{}{}
		if existing.Lat == nil && venue.Lat != nil && venue.Lon != nil {
			updates["lat"] = *venue.Lat
			updates["lon"] = *venue.Lon
		}
		if existing.Neighborhood == nil && venue.Neighborhood != nil {
			updates["neighborhood"] = *venue.Neighborhood
		}
		if len(updates) > 0 {
			updates["updated_at"] = time.Now().UTC()
			if err := tx.Model(&VenueRecord{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return "", err
			}
		}
		venue.ID = existing.ID
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	row := venueToRecord(*venue)
	row.ID = uuid.New().String()
	// A concurrent writer may create the same key; DO NOTHING and re-read.
	if err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).Create(&row).Error; err != nil {
		return "", err
	}
	if err := tx.Where("key = ?", venue.Key).First(&existing).Error; err != nil {
		return "", err
	}
	venue.ID = existing.ID
	return existing.ID, nil
}

func (r *Repository) UpdateEvent(ctx context.Context, ev *models.Event) error {
	ev.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("id = ?", ev.ID).
		Updates(map[string]interface{}{
			"title":       ev.Title,
			"description": ev.Description,
			"start_at":    ev.StartAt.UTC(),
			"end_at":      ev.EndAt,
			"category":    string(ev.Category),
			"tags":        eventToRecord(*ev).Tags,
			"price_min":   ev.PriceMin,
			"price_max":   ev.PriceMax,
			"currency":    ev.Currency,
			"status":      string(ev.Status),
			"language":    ev.Language,
			"image_url":   ev.ImageURL,
			"url":         ev.URL,
			"updated_at":  ev.UpdatedAt,
		}).Error
}

func (r *Repository) AttachSource(ctx context.Context, link models.EventSource) error {
	row := EventSourceRecord{
		EventID:     link.EventID,
		SourceID:    link.SourceID,
		ExternalID:  link.ExternalID,
		IsPrimary:   link.IsPrimary,
		FirstSeenAt: link.FirstSeenAt.UTC(),
		LastSeenAt:  link.LastSeenAt.UTC(),
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	return translateConflict(err, link.SourceID+"/"+link.ExternalID)
}

func (r *Repository) TouchLink(ctx context.Context, sourceID, externalID string, seenAt time.Time) error {
	return r.db.WithContext(ctx).Model(&EventSourceRecord{}).
		Where("source_id = ? AND external_id = ?", sourceID, externalID).
		Update("last_seen_at", seenAt.UTC()).Error
}

func (r *Repository) ListLiveEvents(ctx context.Context, sourceID string, from, to, secondarySeenSince time.Time) ([]models.Event, error) {
	vouched := r.db.Model(&EventSourceRecord{}).
		Select("event_id").
		Where("is_primary = ? AND last_seen_at >= ?", false, secondarySeenSince.UTC())

	var rows []EventRecord
	err := r.db.WithContext(ctx).
		Where("source = ? AND start_at BETWEEN ? AND ? AND status <> ?", sourceID, from.UTC(), to.UTC(), string(models.EventStatusCancelled)).
		Where("id NOT IN (?)", vouched).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return eventsFromRecords(rows), nil
}

func (r *Repository) MarkCancelled(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     string(models.EventStatusCancelled),
			"updated_at": at.UTC(),
		}).Error
}

func (r *Repository) SetStructuredTags(ctx context.Context, eventID string, tags []models.StructuredTag) error {
	row := eventToRecord(models.Event{StructuredTags: tags})
	return r.db.WithContext(ctx).Model(&EventRecord{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"structured_tags": row.StructuredTags,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *Repository) CreateJob(ctx context.Context, job *models.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	row := jobToRecord(*job)
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *Repository) FinishJob(ctx context.Context, job *models.ImportJob) error {
	row := jobToRecord(*job)
	result := r.db.WithContext(ctx).Model(&ImportJobRecord{}).
		Where("id = ? AND status = ?", job.ID, string(models.JobStatusRunning)).
		Updates(map[string]interface{}{
			"status":      row.Status,
			"finished_at": row.FinishedAt,
			"nb_created":  row.NbCreated,
			"nb_updated":  row.NbUpdated,
			"nb_skipped":  row.NbSkipped,
			"nb_errors":   row.NbErrors,
			"stats":       row.Stats,
			"error_text":  row.ErrorText,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobFinished
	}
	return nil
}

func (r *Repository) ReapStaleJobs(ctx context.Context, startedBefore time.Time, reason string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&ImportJobRecord{}).
		Where("status = ? AND started_at < ?", string(models.JobStatusRunning), startedBefore.UTC()).
		Updates(map[string]interface{}{
			"status":      string(models.JobStatusError),
			"finished_at": at.UTC(),
			"error_text":  reason,
		})
	return result.RowsAffected, result.Error
}

func (r *Repository) RecentErrorCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		SourceID string
		Errors   int
	}
	err := r.db.WithContext(ctx).Model(&ImportJobRecord{}).
		Select("source_id, SUM(nb_errors) + SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS errors", string(models.JobStatusError)).
		Where("started_at >= ?", since.UTC()).
		Group("source_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.SourceID] = row.Errors
	}
	return out, nil
}

func (r *Repository) ListJobs(ctx context.Context, sourceID string, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if sourceID != "" {
		query = query.Where("source_id = ?", sourceID)
	}
	var rows []ImportJobRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ImportJob, 0, len(rows))
	for _, row := range rows {
		out = append(out, jobFromRecord(row))
	}
	return out, nil
}

func (r *Repository) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	var rows []SubscriberRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	var favorites []struct {
		SubscriberID   string
		StructuredTags []byte
	}
	err := r.db.WithContext(ctx).
		Table("subscriber_favorites AS f").
		Select("f.subscriber_id, e.structured_tags").
		Joins("JOIN events AS e ON e.id = f.event_id").
		Scan(&favorites).Error
	if err != nil {
		return nil, err
	}
	favoriteTags := make(map[string][]models.StructuredTag)
	for _, fav := range favorites {
		var tags EventRecord
		if err := tags.StructuredTags.Scan(fav.StructuredTags); err != nil {
			continue
		}
		favoriteTags[fav.SubscriberID] = append(favoriteTags[fav.SubscriberID], tags.StructuredTags...)
	}

	out := make([]models.Subscriber, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Subscriber{
			ID:           row.ID,
			Email:        row.Email,
			Genres:       []string(row.Genres),
			Styles:       []string(row.Styles),
			FavoriteTags: tagValues(favoriteTags[row.ID]),
		})
	}
	return out, nil
}

func (r *Repository) SaveNotifications(ctx context.Context, notifications []models.Notification) (int, error) {
	if len(notifications) == 0 {
		return 0, nil
	}
	rows := make([]NotificationRecord, 0, len(notifications))
	for _, n := range notifications {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		rows = append(rows, NotificationRecord{
			ID:           n.ID,
			SubscriberID: n.SubscriberID,
			EventID:      n.EventID,
			Reason:       string(n.Reason),
			Template:     n.Template,
			Message:      n.Message,
			CreatedAt:    n.CreatedAt.UTC(),
		})
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(&rows)
	return int(result.RowsAffected), result.Error
}

func translateConflict(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &errs.PersistenceConflictError{Key: key, Err: err}
	}
	return err
}

func eventsFromRecords(rows []EventRecord) []models.Event {
	out := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, eventFromRecord(row))
	}
	return out
}

// tagValues flattens structured tags to distinct lower-case values.
func tagValues(tags []models.StructuredTag) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		v := normalizeTagValue(t.Value)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
