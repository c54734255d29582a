package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/classifier"
	"github.com/citypulse/platform/pkg/common/config"
	"github.com/citypulse/platform/pkg/common/database"
	"github.com/citypulse/platform/pkg/common/kafka"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/notify"
	"github.com/citypulse/platform/pkg/observability/metrics"
	"github.com/citypulse/platform/pkg/pipeline"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.OpenPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	store := catalog.NewRepository(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate catalog tables")
	}

	var tagger notify.Classifier
	gateway := classifier.New(classifier.Options{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModelName,
		Timeout: cfg.ClassifierTimeout,
	})
	if gateway.Enabled() {
		tagger = gateway
	} else {
		logger.Log.Warn("LLM_API_KEY not set, events will not be classified")
	}

	service := notify.NewService(store, tagger, notify.NewMatcher(cfg.FavoriteSimilarityThreshold), cfg.ClassifierMaxWorkers)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.EventsChangedTopic, cfg.KafkaGroupID)
	defer consumer.Close()
	if cfg.EventsDLQTopic != "" {
		dlq := kafka.NewProducer(cfg.KafkaBrokers, cfg.EventsDLQTopic)
		defer dlq.Close()
		consumer.WithDeadLetter(dlq)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := consumer.Consume(ctx, func(ctx context.Context, event models.BusEvent) error {
			if event.Type != pipeline.EventTypeChanged {
				return nil
			}
			changes, err := pipeline.ParsePayload(event.Data)
			if err != nil {
				logger.Log.WithError(err).WithField("event_id", event.ID).Warn("dropping malformed change set")
				return nil
			}
			_, err = service.Process(ctx, changes.EventIDs())
			return err
		})
		if err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("Consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.ReadTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.ServerPort,
			"topic": cfg.EventsChangedTopic,
		}).Info("Enrichment Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Enrichment Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Enrichment Service stopped")
}
