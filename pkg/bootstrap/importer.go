// Package bootstrap assembles the importer from configuration for the service
// and job binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/citypulse/platform/pkg/adapters"
	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/common/config"
	"github.com/citypulse/platform/pkg/common/database"
	"github.com/citypulse/platform/pkg/common/httpclient"
	"github.com/citypulse/platform/pkg/common/kafka"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/dedup"
	"github.com/citypulse/platform/pkg/geo"
	"github.com/citypulse/platform/pkg/ingestion"
	"github.com/citypulse/platform/pkg/normalizer"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Importer struct {
	Service *ingestion.Service
	Store   *catalog.Repository

	db       *gorm.DB
	redis    *redis.Client
	producer *kafka.Producer
}

func NewImporter(ctx context.Context, cfg *config.Config) (*Importer, error) {
	db, err := database.OpenPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	imp := &Importer{db: db, Store: catalog.NewRepository(db)}

	if err := imp.Store.AutoMigrate(); err != nil {
		imp.Close()
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	if err := syncSources(ctx, imp.Store, cfg.SourcesFile); err != nil {
		imp.Close()
		return nil, err
	}

	categories, err := normalizer.LoadCategories(cfg.CategoriesFile)
	if err != nil {
		imp.Close()
		return nil, fmt.Errorf("loading categories: %w", err)
	}
	loc, err := time.LoadLocation(cfg.CityTimezone)
	if err != nil {
		imp.Close()
		return nil, fmt.Errorf("city timezone %q: %w", cfg.CityTimezone, err)
	}

	imp.redis = database.NewRedis(cfg)
	var locker dedup.Locker
	if imp.redis != nil {
		locker = dedup.NewRedisLocker(imp.redis, cfg.DedupLockTTL)
	}
	reconciler := dedup.NewReconciler(imp.Store, imp.Store, locker, dedup.Options{
		TitleThreshold: cfg.DedupTitleThreshold,
		TimeTolerance:  cfg.DedupTimeTolerance,
	})

	deps := adapters.Deps{
		HTTPClient: httpclient.New(cfg.HTTPTimeout),
		MaxPages:   cfg.MaxPages,
		RPS:        cfg.AdapterRPS,
		Retry:      httpclient.DefaultRetryConfig(),
		Location:   loc,
	}
	factory := func(src models.Source) (adapters.Adapter, error) {
		return adapters.New(src, deps)
	}

	imp.Service = ingestion.NewService(imp.Store, factory, normalizer.NewTransformer(categories, cfg.DefaultCurrency), reconciler, ingestion.Options{
		RunDeadline:          cfg.RunDeadline,
		StaleJobAfter:        cfg.StaleJobAfter,
		MaxConcurrentSources: cfg.MaxConcurrentSources,
		FetchWindow:          cfg.FetchWindow,
		SecondaryGrace:       cfg.SecondaryGrace,
		UnhealthyAfter:       cfg.UnhealthyAfter,
	})

	geocoder, resolver := imp.geo(cfg)
	imp.Service.WithGeo(geocoder, resolver)

	if len(cfg.KafkaBrokers) > 0 && cfg.EventsChangedTopic != "" {
		imp.producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.EventsChangedTopic)
		imp.Service.WithPublisher(imp.producer)
	}
	return imp, nil
}

// geo returns nil interfaces, not typed nils, for whatever is not configured.
func (imp *Importer) geo(cfg *config.Config) (ingestion.Geocoder, ingestion.NeighborhoodResolver) {
	var (
		geocoder ingestion.Geocoder
		resolver ingestion.NeighborhoodResolver
	)

	opts := geo.GeocoderOptions{
		BaseURL:   cfg.GeocoderBaseURL,
		UserAgent: cfg.GeocoderUserAgent,
		RPS:       cfg.GeocoderRPS,
		Timeout:   cfg.HTTPTimeout,
		CacheTTL:  cfg.GeocodeCacheTTL,
	}
	if imp.redis != nil {
		opts.Cache = geo.NewRedisCache(imp.redis)
	}
	if g, err := geo.NewGeocoder(opts); err != nil {
		logger.Log.WithError(err).Warn("Geocoder disabled")
	} else {
		geocoder = g
	}

	r, err := geo.LoadBoundaries(cfg.BoundariesFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Log.WithField("file", cfg.BoundariesFile).Warn("Boundary file missing, neighborhoods disabled")
	case err != nil:
		logger.Log.WithError(err).Warn("Boundary file invalid, neighborhoods disabled")
	default:
		logger.Log.WithField("neighborhoods", r.Len()).Info("Loaded neighborhood boundaries")
		resolver = r
	}
	return geocoder, resolver
}

func syncSources(ctx context.Context, store catalog.SourceStore, path string) error {
	sources, err := config.LoadSources(path)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	for _, src := range sources {
		if err := store.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("registering source %s: %w", src.ID, err)
		}
	}
	if len(sources) > 0 {
		logger.Log.WithField("sources", len(sources)).Info("Sources registered")
	}
	return nil
}

func (imp *Importer) Close() {
	if imp.producer != nil {
		if err := imp.producer.Close(); err != nil {
			logger.Log.WithError(err).Warn("failed to close kafka producer")
		}
	}
	if err := database.CloseRedis(imp.redis); err != nil {
		logger.Log.WithError(err).Warn("failed to close redis")
	}
	if err := database.ClosePostgres(imp.db); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres")
	}
}
