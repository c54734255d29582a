// Package ingestion runs imports: it fetches every enabled source in parallel,
// pushes each record through normalization, geo enrichment and reconciliation,
// and keeps one ImportJob per source as the audit trail of a run.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/citypulse/platform/pkg/adapters"
	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/dedup"
	"github.com/citypulse/platform/pkg/geo"
	"github.com/citypulse/platform/pkg/normalizer"
	"github.com/citypulse/platform/pkg/observability/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	staleReason    = "stale: run did not finish"
	deadlineReason = "timeout: run deadline exceeded"

	defaultMaxConcurrentSources = 4
)

// AdapterFactory builds the adapter of one source.
type AdapterFactory func(src models.Source) (adapters.Adapter, error)

type Geocoder interface {
	Geocode(ctx context.Context, address string) (*geo.Coordinates, error)
}

type NeighborhoodResolver interface {
	Resolve(lon, lat float64) (string, bool)
}

// Publisher announces the events a source job created or updated.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Options struct {
	RunDeadline          time.Duration
	StaleJobAfter        time.Duration
	MaxConcurrentSources int
	FetchWindow          time.Duration
	// SecondaryGrace keeps events another source reported this recently out of the cancellation sweep.
	SecondaryGrace time.Duration
	UnhealthyAfter int
	Now            func() time.Time
}

type Service struct {
	store       catalog.Store
	newAdapter  AdapterFactory
	transformer *normalizer.Transformer
	reconciler  *dedup.Reconciler
	geocoder    Geocoder
	resolver    NeighborhoodResolver
	publisher   Publisher
	opts        Options
}

func NewService(store catalog.Store, newAdapter AdapterFactory, transformer *normalizer.Transformer, reconciler *dedup.Reconciler, opts Options) *Service {
	if opts.RunDeadline <= 0 {
		opts.RunDeadline = 10 * time.Minute
	}
	if opts.StaleJobAfter <= 0 {
		opts.StaleJobAfter = 2 * time.Hour
	}
	if opts.MaxConcurrentSources <= 0 {
		opts.MaxConcurrentSources = defaultMaxConcurrentSources
	}
	if opts.FetchWindow <= 0 {
		opts.FetchWindow = 60 * 24 * time.Hour
	}
	if opts.SecondaryGrace <= 0 {
		opts.SecondaryGrace = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:       store,
		newAdapter:  newAdapter,
		transformer: transformer,
		reconciler:  reconciler,
		opts:        opts,
	}
}

// WithGeo enables address geocoding and neighborhood resolution. Either may be nil.
func (s *Service) WithGeo(geocoder Geocoder, resolver NeighborhoodResolver) *Service {
	s.geocoder = geocoder
	s.resolver = resolver
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// RunImport imports one source, or every enabled source when sourceID is empty.
// Source failures are reported in the summary; only failures before any source
// starts (storage unreachable, listing sources) are returned as errors.
func (s *Service) RunImport(ctx context.Context, sourceID string) (*models.RunSummary, error) {
	started := s.opts.Now()
	runID := uuid.New().String()
	log := logger.Log.WithField("run_id", runID)

	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("catalog unavailable: %w", err)
	}

	reaped, err := s.store.ReapStaleJobs(ctx, started.Add(-s.opts.StaleJobAfter), staleReason, started)
	if err != nil {
		return nil, fmt.Errorf("reaping stale jobs: %w", err)
	}
	if reaped > 0 {
		log.WithField("jobs", reaped).Warn("Reaped stale import jobs")
	}

	sources, err := s.selectSources(ctx, normalizeSourceID(sourceID))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunDeadline)
	defer cancel()

	results := make([]models.SourceRunResult, len(sources))
	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxConcurrentSources)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = s.runSourceWithDeadline(runCtx, ctx, runID, src)
			return nil
		})
	}
	_ = g.Wait()

	summary := summarize(runID, started, results)
	finished := s.opts.Now()
	summary.FinishedAt = &finished
	metrics.RunDuration.Observe(finished.Sub(started).Seconds())

	log.WithFields(map[string]interface{}{
		"status":  summary.Status,
		"sources": len(results),
		"created": summary.Created,
		"updated": summary.Updated,
		"skipped": summary.Skipped,
		"errors":  summary.Errors,
	}).Info("Import run finished")

	return summary, nil
}

func (s *Service) selectSources(ctx context.Context, sourceID string) ([]models.Source, error) {
	if sourceID != "" {
		src, err := s.store.GetSource(ctx, sourceID)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("loading source %s: %w", sourceID, err)
		}
		if err := validateExplicitSource(sourceID, src); err != nil {
			return nil, err
		}
		return []models.Source{*src}, nil
	}

	all, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	enabled := make([]models.Source, 0, len(all))
	for _, src := range all {
		if src.IsEnabled {
			enabled = append(enabled, src)
		}
	}
	return enabled, nil
}

// summarize derives the run status: ERROR only when every attempted source failed.
func summarize(runID string, started time.Time, results []models.SourceRunResult) *models.RunSummary {
	summary := &models.RunSummary{
		RunID:     runID,
		Status:    models.RunStatusSuccess,
		StartedAt: started,
		Sources:   results,
	}
	failed := 0
	for _, r := range results {
		summary.Created += r.Created
		summary.Updated += r.Updated
		summary.Skipped += r.Skipped
		summary.Errors += r.Errors
		if r.Status == models.JobStatusError {
			failed++
		}
	}
	if len(results) > 0 && failed == len(results) {
		summary.Status = models.RunStatusError
	}
	return summary
}

func (s *Service) Sources(ctx context.Context) ([]models.Source, error) {
	return s.store.ListSources(ctx)
}

func (s *Service) Jobs(ctx context.Context, sourceID string, limit int) ([]models.ImportJob, error) {
	return s.store.ListJobs(ctx, normalizeSourceID(sourceID), limit)
}
