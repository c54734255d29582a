package notify

import (
	"context"
	"fmt"

	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/classifier"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/observability/metrics"
	"golang.org/x/sync/errgroup"
)

type Classifier interface {
	Classify(ctx context.Context, title, description string, existingTags []string) (classifier.Tags, error)
}

type Store interface {
	catalog.EventStore
	catalog.SubscriberStore
}

type Result struct {
	Events     int
	Classified int
	Notified   int
}

type Service struct {
	store      Store
	classifier Classifier
	matcher    *Matcher
	workers    int
}

func NewService(store Store, classifier Classifier, matcher *Matcher, workers int) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{store: store, classifier: classifier, matcher: matcher, workers: workers}
}

// Process tags the given events where needed and stores the notifications they trigger.
// Classification failures leave an event untagged; only storage failures are returned.
func (s *Service) Process(ctx context.Context, eventIDs []string) (Result, error) {
	var res Result
	if len(eventIDs) == 0 {
		return res, nil
	}

	events, err := s.store.GetEvents(ctx, eventIDs)
	if err != nil {
		return res, fmt.Errorf("loading events: %w", err)
	}
	res.Events = len(events)

	classified, err := s.classifyMissing(ctx, events)
	if err != nil {
		return res, err
	}
	res.Classified = classified

	subscribers, err := s.store.ListSubscribers(ctx)
	if err != nil {
		return res, fmt.Errorf("loading subscribers: %w", err)
	}

	notifications := s.matcher.Evaluate(events, subscribers)
	if len(notifications) == 0 {
		return res, nil
	}
	stored, err := s.store.SaveNotifications(ctx, notifications)
	if err != nil {
		return res, fmt.Errorf("saving notifications: %w", err)
	}
	res.Notified = stored
	for _, n := range notifications {
		metrics.NotificationsCreated.WithLabelValues(string(n.Reason)).Inc()
	}

	logger.Log.WithFields(map[string]interface{}{
		"events":        res.Events,
		"classified":    res.Classified,
		"notifications": stored,
	}).Info("Notification batch processed")
	return res, nil
}

// classifyMissing fills StructuredTags in place for events that have none.
func (s *Service) classifyMissing(ctx context.Context, events []models.Event) (int, error) {
	if s.classifier == nil {
		return 0, nil
	}

	tagged := make([][]models.StructuredTag, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range events {
		i := i
		ev := events[i]
		if len(ev.StructuredTags) > 0 || ev.Status == models.EventStatusCancelled {
			continue
		}
		g.Go(func() error {
			tags, err := s.classifier.Classify(gctx, ev.Title, ev.Description, ev.Tags)
			if err != nil {
				logger.Log.WithError(err).WithField("event_id", ev.ID).Warn("Classification failed, event left untagged")
				return nil
			}
			structured := tags.Structured()
			if len(structured) == 0 {
				return nil
			}
			if err := s.store.SetStructuredTags(gctx, ev.ID, structured); err != nil {
				return fmt.Errorf("storing tags of %s: %w", ev.ID, err)
			}
			tagged[i] = structured
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for i, tags := range tagged {
		if tags != nil {
			events[i].StructuredTags = tags
			n++
		}
	}
	return n, nil
}
