package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same uniqueness rules as Repository.
// It backs tests and local dry runs.
type MemoryStore struct {
	mu            sync.RWMutex
	sources       map[string]models.Source
	events        map[string]models.Event
	venues        map[string]models.Venue // by key
	links         map[string]models.EventSource
	jobs          map[string]models.ImportJob
	subscribers   map[string]models.Subscriber
	favorites     map[string][]string
	notifications map[string]models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources:       make(map[string]models.Source),
		events:        make(map[string]models.Event),
		venues:        make(map[string]models.Venue),
		links:         make(map[string]models.EventSource),
		jobs:          make(map[string]models.ImportJob),
		subscribers:   make(map[string]models.Subscriber),
		favorites:     make(map[string][]string),
		notifications: make(map[string]models.Notification),
	}
}

func linkKey(sourceID, externalID string) string {
	return sourceID + "\x00" + externalID
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) ListSources(ctx context.Context) ([]models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetSource(ctx context.Context, id string) (*models.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &src, nil
}

func (m *MemoryStore) UpsertSource(ctx context.Context, src models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sources[src.ID]; ok {
		existing.Name = src.Name
		existing.Kind = src.Kind
		existing.Config = src.Config
		m.sources[src.ID] = existing
		return nil
	}
	src.Health = models.Health{Healthy: true}
	m.sources[src.ID] = src
	return nil
}

func (m *MemoryStore) RecordSourceOutcome(ctx context.Context, id string, success bool, at time.Time, unhealthyAfter int) (models.Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return models.Health{}, ErrNotFound
	}
	src.Health = nextHealth(src.Health, success, at, unhealthyAfter)
	m.sources[id] = src
	return src.Health, nil
}

func (m *MemoryStore) FindLink(ctx context.Context, sourceID, externalID string) (*models.EventSource, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.links[linkKey(sourceID, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &link, nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, ids []string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Event
	for _, id := range ids {
		if ev, ok := m.events[id]; ok {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *MemoryStore) FindCandidates(ctx context.Context, from, to time.Time, venueKey string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.VenueKey != venueKey || ev.Status == models.EventStatusCancelled {
			continue
		}
		if ev.StartAt.Before(from) || ev.StartAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) CreateEvent(ctx context.Context, ev *models.Event, venue *models.Venue, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := linkKey(ev.Source, ev.ExternalID)
	if ev.ExternalID != "" {
		if _, exists := m.links[key]; exists {
			return &errs.PersistenceConflictError{Key: ev.Source + "/" + ev.ExternalID, Err: errDuplicate}
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now

	if venue != nil {
		existing, ok := m.venues[venue.Key]
		if !ok {
			existing = *venue
			existing.ID = uuid.New().String()
		} else {
			if existing.Lat == nil && venue.Lat != nil && venue.Lon != nil {
				existing.Lat, existing.Lon = venue.Lat, venue.Lon
			}
			if existing.Neighborhood == nil && venue.Neighborhood != nil {
				existing.Neighborhood = venue.Neighborhood
			}
		}
		m.venues[venue.Key] = existing
		venue.ID = existing.ID
		id := existing.ID
		ev.VenueID = &id
		ev.VenueKey = venue.Key
	}

	m.events[ev.ID] = *ev
	if ev.ExternalID != "" {
		m.links[key] = models.EventSource{
			EventID:     ev.ID,
			SourceID:    ev.Source,
			ExternalID:  ev.ExternalID,
			IsPrimary:   true,
			FirstSeenAt: seenAt.UTC(),
			LastSeenAt:  seenAt.UTC(),
		}
	}
	return nil
}

func (m *MemoryStore) UpdateEvent(ctx context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	ev.UpdatedAt = time.Now().UTC()
	existing.Title = ev.Title
	existing.Description = ev.Description
	existing.StartAt = ev.StartAt.UTC()
	existing.EndAt = ev.EndAt
	existing.Category = ev.Category
	existing.Tags = ev.Tags
	existing.PriceMin = ev.PriceMin
	existing.PriceMax = ev.PriceMax
	existing.Currency = ev.Currency
	existing.Status = ev.Status
	existing.Language = ev.Language
	existing.ImageURL = ev.ImageURL
	existing.URL = ev.URL
	existing.UpdatedAt = ev.UpdatedAt
	m.events[ev.ID] = existing
	return nil
}

func (m *MemoryStore) AttachSource(ctx context.Context, link models.EventSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(link.SourceID, link.ExternalID)
	if _, exists := m.links[key]; exists && link.ExternalID != "" {
		return &errs.PersistenceConflictError{Key: link.SourceID + "/" + link.ExternalID, Err: errDuplicate}
	}
	if _, ok := m.events[link.EventID]; !ok {
		return ErrNotFound
	}
	m.links[key] = link
	return nil
}

func (m *MemoryStore) TouchLink(ctx context.Context, sourceID, externalID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(sourceID, externalID)
	link, ok := m.links[key]
	if !ok {
		return nil
	}
	link.LastSeenAt = seenAt.UTC()
	m.links[key] = link
	return nil
}

func (m *MemoryStore) ListLiveEvents(ctx context.Context, sourceID string, from, to, secondarySeenSince time.Time) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vouched := make(map[string]struct{})
	for _, link := range m.links {
		if !link.IsPrimary && !link.LastSeenAt.Before(secondarySeenSince) {
			vouched[link.EventID] = struct{}{}
		}
	}
	var out []models.Event
	for _, ev := range m.events {
		if ev.Source != sourceID || ev.Status == models.EventStatusCancelled {
			continue
		}
		if ev.StartAt.Before(from) || ev.StartAt.After(to) {
			continue
		}
		if _, ok := vouched[ev.ID]; ok {
			continue
		}
		out = append(out, ev)
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if ev, ok := m.events[id]; ok {
			ev.Status = models.EventStatusCancelled
			ev.UpdatedAt = at.UTC()
			m.events[id] = ev
		}
	}
	return nil
}

func (m *MemoryStore) SetStructuredTags(ctx context.Context, eventID string, tags []models.StructuredTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.StructuredTags = append([]models.StructuredTag(nil), tags...)
	m.events[eventID] = ev
	return nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *models.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) FinishJob(ctx context.Context, job *models.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != models.JobStatusRunning {
		return ErrJobFinished
	}
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) ReapStaleJobs(ctx context.Context, startedBefore time.Time, reason string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		if job.Status != models.JobStatusRunning || !job.StartedAt.Before(startedBefore) {
			continue
		}
		finished := at.UTC()
		job.Status = models.JobStatusError
		job.FinishedAt = &finished
		job.ErrorText = reason
		m.jobs[id] = job
		n++
	}
	return n, nil
}

func (m *MemoryStore) RecentErrorCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, job := range m.jobs {
		if job.StartedAt.Before(since) {
			continue
		}
		n := job.NbErrors
		if job.Status == models.JobStatusError {
			n++
		}
		out[job.SourceID] += n
	}
	return out, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, sourceID string, limit int) ([]models.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ImportJob
	for _, job := range m.jobs {
		if sourceID != "" && job.SourceID != sourceID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Subscriber, 0, len(m.subscribers))
	for id, sub := range m.subscribers {
		var tags []models.StructuredTag
		for _, eventID := range m.favorites[id] {
			tags = append(tags, m.events[eventID].StructuredTags...)
		}
		sub.FavoriteTags = tagValues(tags)
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveNotifications(ctx context.Context, notifications []models.Notification) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := 0
	for _, n := range notifications {
		key := n.SubscriberID + "\x00" + n.EventID
		if _, exists := m.notifications[key]; exists {
			continue
		}
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		m.notifications[key] = n
		stored++
	}
	return stored, nil
}

// AddSubscriber registers a profile and its favorited events.
func (m *MemoryStore) AddSubscriber(sub models.Subscriber, favoriteEventIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[sub.ID] = sub
	m.favorites[sub.ID] = append([]string(nil), favoriteEventIDs...)
}

// Events returns every stored event ordered by creation.
func (m *MemoryStore) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sortByCreated(out)
	return out
}

func (m *MemoryStore) Links(eventID string) []models.EventSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EventSource
	for _, link := range m.links {
		if link.EventID == eventID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

func (m *MemoryStore) Venues() []models.Venue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Venue, 0, len(m.venues))
	for _, v := range m.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *MemoryStore) Notifications() []models.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubscriberID != out[j].SubscriberID {
			return out[i].SubscriberID < out[j].SubscriberID
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

func sortByCreated(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
}
