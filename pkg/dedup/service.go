// Package dedup reconciles normalized candidates against the canonical catalog.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionMerged  Action = "merged"
	ActionSkipped Action = "skipped"
)

const noVenueLockKey = "novenue"

type Outcome struct {
	Action  Action
	EventID string
}

type Options struct {
	TitleThreshold float64
	TimeTolerance  time.Duration
	// ErrorHorizon bounds the ImportJob history used to break fuzzy ties.
	ErrorHorizon time.Duration
	Now          func() time.Time
}

type Reconciler struct {
	events  catalog.EventStore
	jobs    catalog.JobStore
	locker  Locker
	matcher *Matcher
	horizon time.Duration
	now     func() time.Time
}

func NewReconciler(events catalog.EventStore, jobs catalog.JobStore, locker Locker, opts Options) *Reconciler {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	horizon := opts.ErrorHorizon
	if horizon <= 0 {
		horizon = 7 * 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		events:  events,
		jobs:    jobs,
		locker:  locker,
		matcher: NewMatcher(opts.TitleThreshold, opts.TimeTolerance),
		horizon: horizon,
		now:     now,
	}
}

// LockKey is the serialization key of a candidate: its venue key, or a shared key for venue-less events.
func LockKey(c *models.Candidate) string {
	if c.VenueKey == "" {
		return noVenueLockKey
	}
	return c.VenueKey
}

// Reconcile decides whether c is new, an update of a known record, or a duplicate of an
// event reported by another source, and persists the decision.
func (r *Reconciler) Reconcile(ctx context.Context, c *models.Candidate) (Outcome, error) {
	unlock, err := r.locker.Lock(ctx, LockKey(c))
	if err != nil {
		return Outcome{}, fmt.Errorf("locking %s: %w", LockKey(c), err)
	}
	defer unlock()

	out, err := r.reconcile(ctx, c)
	if !errs.IsConflict(err) {
		return out, err
	}

	// Another writer inserted the same (source, external id) first; the retry takes the exact-key path.
	logger.Log.WithError(err).WithFields(map[string]interface{}{
		"source_id":   c.Event.Source,
		"external_id": c.Event.ExternalID,
	}).Debug("dedup conflict, retrying as update")
	out, err = r.reconcile(ctx, c)
	if errs.IsConflict(err) {
		logger.Log.WithError(err).WithField("external_id", c.Event.ExternalID).Warn("dedup conflict persisted, record skipped")
		return Outcome{Action: ActionSkipped}, nil
	}
	return out, err
}

func (r *Reconciler) reconcile(ctx context.Context, c *models.Candidate) (Outcome, error) {
	now := r.now()

	if c.Event.ExternalID != "" {
		link, err := r.events.FindLink(ctx, c.Event.Source, c.Event.ExternalID)
		switch {
		case err == nil:
			return r.applyExact(ctx, link, c, now)
		case !errors.Is(err, catalog.ErrNotFound):
			return Outcome{}, fmt.Errorf("finding link: %w", err)
		}
	}

	match, err := r.findDuplicate(ctx, c)
	if err != nil {
		return Outcome{}, err
	}
	if match != nil {
		if c.Event.ExternalID == "" {
			return Outcome{Action: ActionSkipped, EventID: match.ID}, nil
		}
		err := r.events.AttachSource(ctx, models.EventSource{
			EventID:     match.ID,
			SourceID:    c.Event.Source,
			ExternalID:  c.Event.ExternalID,
			IsPrimary:   false,
			FirstSeenAt: now,
			LastSeenAt:  now,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionMerged, EventID: match.ID}, nil
	}

	ev := c.Event
	ev.ID = ""
	if err := r.events.CreateEvent(ctx, &ev, c.Venue, now); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionCreated, EventID: ev.ID}, nil
}

func (r *Reconciler) applyExact(ctx context.Context, link *models.EventSource, c *models.Candidate, now time.Time) (Outcome, error) {
	if !link.IsPrimary {
		return r.applySecondary(ctx, link, c, now)
	}

	existing, err := r.events.GetEvent(ctx, link.EventID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading event %s: %w", link.EventID, err)
	}

	if !MutableFieldsDiffer(*existing, c.Event) {
		if err := r.events.TouchLink(ctx, link.SourceID, link.ExternalID, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionSkipped, EventID: existing.ID}, nil
	}

	updated := *existing
	updated.Title = c.Event.Title
	updated.Description = c.Event.Description
	updated.StartAt = c.Event.StartAt
	updated.EndAt = c.Event.EndAt
	updated.Category = c.Event.Category
	updated.Tags = c.Event.Tags
	updated.PriceMin = c.Event.PriceMin
	updated.PriceMax = c.Event.PriceMax
	updated.Currency = c.Event.Currency
	updated.Language = c.Event.Language
	updated.ImageURL = c.Event.ImageURL
	updated.URL = c.Event.URL
	updated.Status = models.EventStatusUpdated
	if c.Event.Status == models.EventStatusCancelled {
		updated.Status = models.EventStatusCancelled
	}

	if err := r.events.UpdateEvent(ctx, &updated); err != nil {
		return Outcome{}, fmt.Errorf("updating event %s: %w", existing.ID, err)
	}
	if err := r.events.TouchLink(ctx, link.SourceID, link.ExternalID, now); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionUpdated, EventID: existing.ID}, nil
}

// applySecondary only bumps the link, except that a source still listing a
// cancelled event brings it back.
func (r *Reconciler) applySecondary(ctx context.Context, link *models.EventSource, c *models.Candidate, now time.Time) (Outcome, error) {
	if err := r.events.TouchLink(ctx, link.SourceID, link.ExternalID, now); err != nil {
		return Outcome{}, err
	}
	if c.Event.Status == models.EventStatusCancelled {
		return Outcome{Action: ActionSkipped, EventID: link.EventID}, nil
	}

	existing, err := r.events.GetEvent(ctx, link.EventID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading event %s: %w", link.EventID, err)
	}
	if existing.Status != models.EventStatusCancelled {
		return Outcome{Action: ActionSkipped, EventID: existing.ID}, nil
	}

	restored := *existing
	restored.Status = models.EventStatusUpdated
	if err := r.events.UpdateEvent(ctx, &restored); err != nil {
		return Outcome{}, fmt.Errorf("restoring event %s: %w", existing.ID, err)
	}
	return Outcome{Action: ActionUpdated, EventID: existing.ID}, nil
}

func (r *Reconciler) findDuplicate(ctx context.Context, c *models.Candidate) (*models.Event, error) {
	tol := r.matcher.Tolerance()
	events, err := r.events.FindCandidates(ctx, c.Event.StartAt.Add(-tol), c.Event.StartAt.Add(tol), c.VenueKey)
	if err != nil {
		return nil, fmt.Errorf("finding fuzzy candidates: %w", err)
	}
	matches := r.matcher.Candidates(c, events)
	if len(matches) <= 1 {
		return Pick(matches, nil), nil
	}
	counts, err := r.jobs.RecentErrorCounts(ctx, r.now().Add(-r.horizon))
	if err != nil {
		return nil, fmt.Errorf("loading source error counts: %w", err)
	}
	return Pick(matches, counts), nil
}

// MutableFieldsDiffer reports whether a re-fetched record changes what readers see.
func MutableFieldsDiffer(existing, incoming models.Event) bool {
	if existing.Title != incoming.Title || !existing.StartAt.Equal(incoming.StartAt) {
		return true
	}
	if !timePtrEqual(existing.EndAt, incoming.EndAt) {
		return true
	}
	if !int64PtrEqual(existing.PriceMin, incoming.PriceMin) || !int64PtrEqual(existing.PriceMax, incoming.PriceMax) {
		return true
	}
	if existing.Currency != incoming.Currency {
		return true
	}
	wasCancelled := existing.Status == models.EventStatusCancelled
	isCancelled := incoming.Status == models.EventStatusCancelled
	return wasCancelled != isCancelled
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
