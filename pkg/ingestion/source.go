package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/dedup"
	"github.com/citypulse/platform/pkg/observability/metrics"
	"github.com/citypulse/platform/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// tally accumulates the outcome of one source job. It is written by the source
// goroutine; counts are guarded so an abandoned job can still be snapshotted.
type tally struct {
	mu sync.Mutex

	created, updated, skipped, errors int

	stats        map[string]int
	truncated    bool
	changes      pipeline.ChangeSet
	seenEvents   map[string]struct{}
	seenExternal map[string]struct{}
	err          error
}

func newTally() *tally {
	return &tally{
		stats:        make(map[string]int),
		seenEvents:   make(map[string]struct{}),
		seenExternal: make(map[string]struct{}),
	}
}

func (t *tally) add(key string, n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	t.stats[key] += n
	t.mu.Unlock()
}

// fail counts n record-level errors under key.
func (t *tally) fail(key string, n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	t.errors += n
	t.stats[key] += n
	t.mu.Unlock()
}

func (t *tally) markTruncated() {
	t.mu.Lock()
	t.truncated = true
	t.mu.Unlock()
}

func (t *tally) apply(out dedup.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch out.Action {
	case dedup.ActionCreated:
		t.created++
		t.changes.Created = append(t.changes.Created, out.EventID)
	case dedup.ActionUpdated:
		t.updated++
		t.changes.Updated = append(t.changes.Updated, out.EventID)
	case dedup.ActionMerged:
		t.updated++
		t.stats["merged"]++
	default:
		t.skipped++
	}
	if out.EventID != "" && out.Action != dedup.ActionMerged {
		t.seenEvents[out.EventID] = struct{}{}
	}
}

// snapshot copies the counts and changes recorded so far.
func (t *tally) snapshot() *tally {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := newTally()
	out.created, out.updated, out.skipped, out.errors = t.created, t.updated, t.skipped, t.errors
	for k, v := range t.stats {
		out.stats[k] = v
	}
	out.truncated = t.truncated
	out.changes.Created = append([]string(nil), t.changes.Created...)
	out.changes.Updated = append([]string(nil), t.changes.Updated...)
	return out
}

func (t *tally) statsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(t.stats)+1)
	for k, v := range t.stats {
		out[k] = v
	}
	if t.truncated {
		out["truncated"] = true
	}
	return out
}

// runSourceWithDeadline runs one source inside a failure boundary. A source still
// running when runCtx ends is abandoned and its job recorded as timed out.
func (s *Service) runSourceWithDeadline(runCtx, parent context.Context, runID string, src models.Source) models.SourceRunResult {
	persistCtx := context.WithoutCancel(parent)
	started := s.opts.Now()
	job := &models.ImportJob{
		ID:        uuid.New().String(),
		RunID:     runID,
		SourceID:  src.ID,
		Status:    models.JobStatusRunning,
		RunAt:     started,
		StartedAt: started,
	}
	log := logger.ForSource(runID, src.ID, job.ID)

	if err := s.store.CreateJob(persistCtx, job); err != nil {
		log.WithError(err).Error("Failed to create import job")
		return models.SourceRunResult{SourceID: src.ID, Status: models.JobStatusError, ErrorText: "creating job: " + err.Error()}
	}

	if err := runCtx.Err(); err != nil {
		t := newTally()
		t.err = interruption(err)
		return s.finishSource(persistCtx, log, src, job, t)
	}

	live := newTally()
	done := make(chan *tally, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Source run panicked")
				live.err = fmt.Errorf("panic: %v", r)
			}
			done <- live
		}()
		s.runSource(runCtx, log, src, live)
	}()

	select {
	case t := <-done:
		if t.err != nil && runCtx.Err() != nil {
			t.err = interruption(runCtx.Err())
		}
		return s.finishSource(persistCtx, log, src, job, t)
	case <-runCtx.Done():
		log.Warn("Source abandoned at run deadline")
		t := live.snapshot()
		t.err = interruption(runCtx.Err())
		return s.finishSource(persistCtx, log, src, job, t)
	}
}

func interruption(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.New(deadlineReason)
	}
	return fmt.Errorf("cancelled: %w", err)
}

func (s *Service) runSource(ctx context.Context, log *logrus.Entry, src models.Source, t *tally) {
	adapter, err := s.newAdapter(src)
	if err != nil {
		t.err = err
		return
	}

	now := s.opts.Now()
	window := models.TimeRange{Start: now, End: now.Add(s.opts.FetchWindow)}
	res, err := adapter.Fetch(ctx, window)
	if err != nil {
		t.err = err
		return
	}

	t.add("fetched", len(res.Events))
	t.add("pages", res.Pages)
	t.fail("adapter_skipped", res.Skipped)
	if res.Truncated {
		t.markTruncated()
	}

	for _, ev := range res.Events {
		if err := ctx.Err(); err != nil {
			t.err = err
			return
		}
		s.processRecord(ctx, log, src.ID, ev, now, t)
	}

	switch {
	case res.Truncated:
		log.WithField("pages", res.Pages).Info("Fetch hit the page ceiling, cancellation sweep skipped")
		return
	case res.Skipped > 0:
		log.WithField("adapter_skipped", res.Skipped).Info("Fetch skipped unreadable records, cancellation sweep skipped")
		return
	}
	s.sweepCancelled(ctx, log, src.ID, window, now, t)
}

func (s *Service) processRecord(ctx context.Context, log *logrus.Entry, sourceID string, ev models.UnifiedEvent, now time.Time, t *tally) {
	externalID := strings.TrimSpace(ev.ExternalID)
	if externalID != "" {
		t.seenExternal[externalID] = struct{}{}
	}

	candidate, err := s.transformer.Normalize(sourceID, ev, now)
	if err != nil {
		t.fail("malformed", 1)
		metrics.ObserveRecord(sourceID, "error")
		log.WithError(err).WithField("external_id", externalID).Debug("Record rejected")
		return
	}

	s.enrichVenue(ctx, log, candidate, t)

	out, err := s.reconciler.Reconcile(ctx, candidate)
	if err != nil {
		t.fail("reconcile_errors", 1)
		metrics.ObserveRecord(sourceID, "error")
		log.WithError(err).WithField("external_id", externalID).Warn("Failed to reconcile record")
		return
	}
	t.apply(out)
	metrics.ObserveRecord(sourceID, string(out.Action))
}

// enrichVenue geocodes venues that only carry an address and resolves their neighborhood.
// Failures degrade to a venue without coordinates.
func (s *Service) enrichVenue(ctx context.Context, log *logrus.Entry, c *models.Candidate, t *tally) {
	venue := c.Venue
	if venue == nil {
		return
	}

	if !venue.HasCoordinates() && s.geocoder != nil {
		if address := geocodeQuery(venue); address != "" {
			coords, err := s.geocoder.Geocode(ctx, address)
			switch {
			case err != nil:
				t.add("geocode_errors", 1)
				if !errs.IsResolutionError(err) {
					err = &errs.ResolutionError{Stage: errs.StageGeocode, Err: err}
				}
				log.WithError(err).WithField("venue_key", venue.Key).Debug("Geocoding failed")
			case coords != nil:
				lat, lon := coords.Lat, coords.Lon
				venue.Lat, venue.Lon = &lat, &lon
				t.add("geocoded", 1)
			}
		}
	}

	if venue.HasCoordinates() && s.resolver != nil {
		if name, ok := s.resolver.Resolve(*venue.Lon, *venue.Lat); ok {
			venue.Neighborhood = &name
			t.add("neighborhoods", 1)
		}
	}
}

func geocodeQuery(v *models.Venue) string {
	if v.Address == "" {
		return ""
	}
	parts := []string{v.Address}
	for _, p := range []string{v.PostalCode, v.City} {
		if p != "" && !strings.Contains(v.Address, p) {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// sweepCancelled cancels upcoming primary events of the source that this complete fetch
// no longer reports, unless another source listed them within SecondaryGrace.
func (s *Service) sweepCancelled(ctx context.Context, log *logrus.Entry, sourceID string, window models.TimeRange, now time.Time, t *tally) {
	live, err := s.store.ListLiveEvents(ctx, sourceID, now, window.End, now.Add(-s.opts.SecondaryGrace))
	if err != nil {
		log.WithError(err).Warn("Failed to list live events for cancellation sweep")
		return
	}

	var gone []string
	for _, ev := range live {
		if _, ok := t.seenEvents[ev.ID]; ok {
			continue
		}
		if _, ok := t.seenExternal[ev.ExternalID]; ok && ev.ExternalID != "" {
			continue
		}
		gone = append(gone, ev.ID)
	}
	if len(gone) == 0 {
		return
	}

	if err := s.store.MarkCancelled(ctx, gone, now); err != nil {
		log.WithError(err).Warn("Failed to cancel vanished events")
		return
	}
	t.add("cancelled", len(gone))
	log.WithField("events", len(gone)).Info("Cancelled events no longer listed by source")
}

func (s *Service) finishSource(ctx context.Context, log *logrus.Entry, src models.Source, job *models.ImportJob, t *tally) models.SourceRunResult {
	finished := s.opts.Now()
	job.FinishedAt = &finished
	job.NbCreated = t.created
	job.NbUpdated = t.updated
	job.NbSkipped = t.skipped
	job.NbErrors = t.errors
	job.Stats = t.statsMap()
	job.Status = models.JobStatusSuccess
	if t.err != nil {
		job.Status = models.JobStatusError
		job.ErrorText = t.err.Error()
	}

	if err := s.store.FinishJob(ctx, job); err != nil {
		log.WithError(err).Error("Failed to finish import job")
	}

	health, err := s.store.RecordSourceOutcome(ctx, src.ID, t.err == nil, finished, s.opts.UnhealthyAfter)
	if err != nil {
		log.WithError(err).Error("Failed to record source health")
	} else {
		metrics.SourceConsecutiveFailures.WithLabelValues(src.ID).Set(float64(health.ConsecutiveFailures))
		if !health.Healthy {
			log.WithField("consecutive_failures", health.ConsecutiveFailures).Warn("Source is unhealthy")
		}
	}
	metrics.SourceRuns.WithLabelValues(src.ID, strings.ToLower(string(job.Status))).Inc()
	var fetchErr *errs.FetchError
	if errors.As(t.err, &fetchErr) {
		metrics.FetchFailures.WithLabelValues(src.ID, string(fetchErr.Kind)).Inc()
	}

	entry := log.WithFields(logrus.Fields{
		"status":  job.Status,
		"created": job.NbCreated,
		"updated": job.NbUpdated,
		"skipped": job.NbSkipped,
		"errors":  job.NbErrors,
	})
	if t.err != nil {
		entry.WithError(t.err).Error("Source import failed")
	} else {
		entry.Info("Source import finished")
	}

	t.changes.RunID = job.RunID
	t.changes.SourceID = src.ID
	t.changes.JobID = job.ID
	s.publish(ctx, log, t.changes)

	return models.SourceRunResult{
		SourceID:  src.ID,
		JobID:     job.ID,
		Status:    job.Status,
		Created:   job.NbCreated,
		Updated:   job.NbUpdated,
		Skipped:   job.NbSkipped,
		Errors:    job.NbErrors,
		ErrorText: job.ErrorText,
	}
}

// publish announces changed events for enrichment. A bus failure is logged; the catalog is already committed.
func (s *Service) publish(ctx context.Context, log *logrus.Entry, changes pipeline.ChangeSet) {
	if s.publisher == nil || changes.Empty() {
		return
	}
	if err := s.publisher.PublishEvent(ctx, pipeline.EventTypeChanged, changes.SourceID, pipeline.BuildPayload(changes)); err != nil {
		log.WithError(err).Error("Failed to publish changed events")
	}
}
