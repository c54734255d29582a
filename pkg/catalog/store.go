// Package catalog persists sources, canonical events, venues, import jobs and
// the notification side tables. Components depend on the narrow interfaces
// below; Repository (Postgres) and MemoryStore implement all of them.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/models"
)

var (
	ErrNotFound    = errors.New("catalog: not found")
	ErrJobFinished = errors.New("catalog: job already finished")

	errDuplicate = errors.New("duplicate key")
)

type SourceStore interface {
	ListSources(ctx context.Context) ([]models.Source, error)
	GetSource(ctx context.Context, id string) (*models.Source, error)
	// UpsertSource creates a source or refreshes its name, kind and config. It never changes IsEnabled of an existing row.
	UpsertSource(ctx context.Context, src models.Source) error
	// RecordSourceOutcome updates health after one fetch and returns the new state.
	RecordSourceOutcome(ctx context.Context, id string, success bool, at time.Time, unhealthyAfter int) (models.Health, error)
}

type EventStore interface {
	FindLink(ctx context.Context, sourceID, externalID string) (*models.EventSource, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetEvents(ctx context.Context, ids []string) ([]models.Event, error)
	// FindCandidates returns non-cancelled events starting in [from, to] with the given venue key ("" for venue-less events).
	FindCandidates(ctx context.Context, from, to time.Time, venueKey string) ([]models.Event, error)
	// CreateEvent resolves the venue by key (find, else create), inserts the event and its primary link in one transaction.
	CreateEvent(ctx context.Context, ev *models.Event, venue *models.Venue, seenAt time.Time) error
	UpdateEvent(ctx context.Context, ev *models.Event) error
	AttachSource(ctx context.Context, link models.EventSource) error
	TouchLink(ctx context.Context, sourceID, externalID string, seenAt time.Time) error
	// ListLiveEvents returns non-cancelled events whose primary source is sourceID and whose start is in [from, to].
	// Events another source has reported at or after secondarySeenSince are left out.
	ListLiveEvents(ctx context.Context, sourceID string, from, to, secondarySeenSince time.Time) ([]models.Event, error)
	MarkCancelled(ctx context.Context, ids []string, at time.Time) error
	SetStructuredTags(ctx context.Context, eventID string, tags []models.StructuredTag) error
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.ImportJob) error
	// FinishJob writes the final state of a RUNNING job; finished jobs are immutable.
	FinishJob(ctx context.Context, job *models.ImportJob) error
	ReapStaleJobs(ctx context.Context, startedBefore time.Time, reason string, at time.Time) (int64, error)
	RecentErrorCounts(ctx context.Context, since time.Time) (map[string]int, error)
	ListJobs(ctx context.Context, sourceID string, limit int) ([]models.ImportJob, error)
}

type SubscriberStore interface {
	// ListSubscribers returns profiles with FavoriteTags derived from favorited events.
	ListSubscribers(ctx context.Context) ([]models.Subscriber, error)
	// SaveNotifications stores notifications, ignoring (subscriber, event) pairs already notified. It returns the number stored.
	SaveNotifications(ctx context.Context, notifications []models.Notification) (int, error)
}

type Store interface {
	SourceStore
	EventStore
	JobStore
	SubscriberStore
	Ping(ctx context.Context) error
}

func nextHealth(h models.Health, success bool, at time.Time, unhealthyAfter int) models.Health {
	if unhealthyAfter <= 0 {
		unhealthyAfter = 3
	}
	t := at.UTC()
	if success {
		h.LastSuccessAt = &t
		h.ConsecutiveFailures = 0
	} else {
		h.LastFailureAt = &t
		h.ConsecutiveFailures++
	}
	h.Healthy = h.ConsecutiveFailures < unhealthyAfter
	return h
}

func normalizeTagValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
