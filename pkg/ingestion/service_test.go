package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/citypulse/platform/pkg/adapters"
	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/dedup"
	"github.com/citypulse/platform/pkg/geo"
	"github.com/citypulse/platform/pkg/normalizer"
	"github.com/citypulse/platform/pkg/pipeline"
)

type fakeAdapter struct {
	id    string
	fetch func(ctx context.Context, window models.TimeRange) (*adapters.FetchResult, error)
}

func (f *fakeAdapter) SourceID() string { return f.id }

func (f *fakeAdapter) Fetch(ctx context.Context, window models.TimeRange) (*adapters.FetchResult, error) {
	return f.fetch(ctx, window)
}

func returning(events ...models.UnifiedEvent) func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
	return func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		return &adapters.FetchResult{Events: events, Pages: 1}, nil
	}
}

type harness struct {
	store    *catalog.MemoryStore
	service  *Service
	adapters map[string]*fakeAdapter
}

func newHarness(t *testing.T, opts Options, sourceIDs ...string) *harness {
	t.Helper()
	logger.Silence()
	h := &harness{store: catalog.NewMemoryStore(), adapters: make(map[string]*fakeAdapter)}
	for _, id := range sourceIDs {
		src := models.Source{ID: id, Name: id, Kind: models.SourceKindFeed, IsEnabled: true,
			Config: models.SourceConfig{Feed: &models.FeedConfig{URL: "http://feed.invalid/" + id}}}
		if err := h.store.UpsertSource(context.Background(), src); err != nil {
			t.Fatalf("upsert source: %v", err)
		}
		h.adapters[id] = &fakeAdapter{id: id, fetch: returning()}
	}
	factory := func(src models.Source) (adapters.Adapter, error) {
		a, ok := h.adapters[src.ID]
		if !ok {
			return nil, &errs.FetchError{Source: src.ID, Kind: errs.FetchConfig, Err: errors.New("no adapter")}
		}
		return a, nil
	}
	reconciler := dedup.NewReconciler(h.store, h.store, dedup.NewKeyedMutex(), dedup.Options{})
	h.service = NewService(h.store, factory, normalizer.NewTransformer(normalizer.CategoryTable{}, "EUR"), reconciler, opts)
	return h
}

func record(id, title string, start time.Time) models.UnifiedEvent {
	return models.UnifiedEvent{
		ExternalID:  id,
		Title:       title,
		Occurrences: []models.Occurrence{{Start: start}},
		Venue:       models.RawVenue{Name: "Club X", PostalCode: "75011"},
	}
}

func upcoming(hours int) time.Time {
	return time.Now().UTC().Truncate(time.Minute).Add(time.Duration(hours) * time.Hour)
}

func resultFor(t *testing.T, summary *models.RunSummary, sourceID string) models.SourceRunResult {
	t.Helper()
	for _, r := range summary.Sources {
		if r.SourceID == sourceID {
			return r
		}
	}
	t.Fatalf("no result for source %s", sourceID)
	return models.SourceRunResult{}
}

func TestSourceFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, Options{}, "good", "locked", "broken")
	h.adapters["good"].fetch = returning(
		record("1", "Jazz Night", upcoming(48)),
		record("2", "Techno Marathon", upcoming(72)),
	)
	h.adapters["locked"].fetch = func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		return nil, &errs.FetchError{Source: "locked", Kind: errs.FetchAuth, Status: 401, Err: errors.New("token rejected")}
	}
	h.adapters["broken"].fetch = func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		panic("nil map")
	}

	summary, err := h.service.RunImport(context.Background(), "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != models.RunStatusSuccess || len(summary.Sources) != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	good := resultFor(t, summary, "good")
	if good.Status != models.JobStatusSuccess || good.Created != 2 {
		t.Fatalf("good source: %+v", good)
	}
	locked := resultFor(t, summary, "locked")
	if locked.Status != models.JobStatusError || !strings.Contains(locked.ErrorText, "auth") {
		t.Fatalf("locked source: %+v", locked)
	}
	broken := resultFor(t, summary, "broken")
	if broken.Status != models.JobStatusError || !strings.Contains(broken.ErrorText, "panic") {
		t.Fatalf("broken source: %+v", broken)
	}

	jobs, _ := h.store.ListJobs(context.Background(), "locked", 10)
	if len(jobs) != 1 || jobs[0].Status != models.JobStatusError || jobs[0].FinishedAt == nil {
		t.Fatalf("locked job not finished as error: %+v", jobs)
	}
	src, _ := h.store.GetSource(context.Background(), "locked")
	if src.Health.ConsecutiveFailures != 1 || !src.IsEnabled {
		t.Fatalf("unexpected health %+v", src)
	}
	src, _ = h.store.GetSource(context.Background(), "good")
	if src.Health.LastSuccessAt == nil || src.Health.ConsecutiveFailures != 0 {
		t.Fatalf("good source health not stamped: %+v", src.Health)
	}
}

func TestRunFailsOnlyWhenEverySourceFails(t *testing.T) {
	h := newHarness(t, Options{}, "a", "b")
	failing := func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		return nil, &errs.FetchError{Source: "x", Kind: errs.FetchNetwork, Err: errors.New("connection refused")}
	}
	h.adapters["a"].fetch = failing
	h.adapters["b"].fetch = failing

	summary, err := h.service.RunImport(context.Background(), "")
	if err != nil {
		t.Fatalf("source failures must not abort the run: %v", err)
	}
	if summary.Status != models.RunStatusError {
		t.Fatalf("expected ERROR run, got %s", summary.Status)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	h.adapters["feed"].fetch = returning(
		record("1", "Jazz Night", upcoming(48)),
		record("2", "Techno Marathon", upcoming(72)),
	)

	first, _ := h.service.RunImport(context.Background(), "feed")
	second, err := h.service.RunImport(context.Background(), "feed")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Created != 2 || second.Created != 0 || second.Updated != 0 || second.Skipped != 2 {
		t.Fatalf("unexpected counts: first %+v second %+v", first, second)
	}
	if n := len(h.store.Events()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestMalformedRecordsAreCounted(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	h.adapters["feed"].fetch = func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		return &adapters.FetchResult{
			Events:  []models.UnifiedEvent{record("1", "Jazz Night", upcoming(48)), record("2", "   ", upcoming(48))},
			Skipped: 1,
		}, nil
	}

	summary, _ := h.service.RunImport(context.Background(), "feed")
	res := resultFor(t, summary, "feed")
	if res.Status != models.JobStatusSuccess || res.Created != 1 || res.Errors != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	jobs, _ := h.store.ListJobs(context.Background(), "feed", 1)
	if jobs[0].Stats["malformed"] != 1 || jobs[0].Stats["adapter_skipped"] != 1 {
		t.Fatalf("unexpected stats %+v", jobs[0].Stats)
	}
}

func TestRunDeadlineAbandonsSlowSource(t *testing.T) {
	h := newHarness(t, Options{RunDeadline: 50 * time.Millisecond}, "fast", "slow")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h.adapters["fast"].fetch = returning(record("1", "Jazz Night", upcoming(48)))
	h.adapters["slow"].fetch = func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		<-release
		return &adapters.FetchResult{}, nil
	}

	start := time.Now()
	summary, err := h.service.RunImport(context.Background(), "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("run should not wait for the abandoned source")
	}
	slow := resultFor(t, summary, "slow")
	if slow.Status != models.JobStatusError || slow.ErrorText != deadlineReason {
		t.Fatalf("slow source: %+v", slow)
	}
	if fast := resultFor(t, summary, "fast"); fast.Status != models.JobStatusSuccess {
		t.Fatalf("fast source: %+v", fast)
	}
}

func TestStaleJobsAreReaped(t *testing.T) {
	h := newHarness(t, Options{StaleJobAfter: time.Hour}, "feed")
	ctx := context.Background()
	stale := &models.ImportJob{SourceID: "feed", Status: models.JobStatusRunning, StartedAt: time.Now().UTC().Add(-3 * time.Hour)}
	if err := h.store.CreateJob(ctx, stale); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := h.service.RunImport(ctx, "feed"); err != nil {
		t.Fatalf("run: %v", err)
	}
	jobs, _ := h.store.ListJobs(ctx, "feed", 10)
	var found bool
	for _, job := range jobs {
		if job.ID == stale.ID {
			found = true
			if job.Status != models.JobStatusError || job.ErrorText != staleReason {
				t.Fatalf("stale job not reaped: %+v", job)
			}
		}
	}
	if !found {
		t.Fatal("stale job missing")
	}
}

func TestExplicitSourceMustExistAndBeEnabled(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	ctx := context.Background()

	if _, err := h.service.RunImport(ctx, "nope"); !IsValidationError(err) {
		t.Fatalf("expected validation error for unknown source, got %v", err)
	}

	_ = h.store.UpsertSource(ctx, models.Source{ID: "off", Kind: models.SourceKindFeed, IsEnabled: false,
		Config: models.SourceConfig{Feed: &models.FeedConfig{URL: "http://feed.invalid/off"}}})
	if _, err := h.service.RunImport(ctx, "off"); !IsValidationError(err) {
		t.Fatalf("expected validation error for disabled source, got %v", err)
	}
	jobs, _ := h.store.ListJobs(ctx, "", 10)
	if len(jobs) != 0 {
		t.Fatalf("rejected runs must not create jobs, got %d", len(jobs))
	}
}

func TestVanishedEventsAreCancelledAfterCompleteFetch(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	ctx := context.Background()
	kept, gone := record("1", "Jazz Night", upcoming(48)), record("2", "Techno Marathon", upcoming(72))

	h.adapters["feed"].fetch = returning(kept, gone)
	if _, err := h.service.RunImport(ctx, "feed"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	h.adapters["feed"].fetch = func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		return &adapters.FetchResult{Events: []models.UnifiedEvent{kept}, Truncated: true}, nil
	}
	_, _ = h.service.RunImport(ctx, "feed")
	for _, ev := range h.store.Events() {
		if ev.Status == models.EventStatusCancelled {
			t.Fatal("a truncated fetch must not cancel anything")
		}
	}

	h.adapters["feed"].fetch = returning(kept)
	_, _ = h.service.RunImport(ctx, "feed")
	for _, ev := range h.store.Events() {
		want := models.EventStatusScheduled
		if ev.ExternalID == "2" {
			want = models.EventStatusCancelled
		}
		if ev.Status != want {
			t.Fatalf("event %s: expected %s, got %s", ev.ExternalID, want, ev.Status)
		}
	}
}

func TestSkippedRecordsPreventCancellation(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	ctx := context.Background()
	h.adapters["feed"].fetch = returning(record("1", "Jazz Night", upcoming(48)))
	if _, err := h.service.RunImport(ctx, "feed"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	h.adapters["feed"].fetch = func(context.Context, models.TimeRange) (*adapters.FetchResult, error) {
		return &adapters.FetchResult{Skipped: 1, Pages: 1}, nil
	}
	summary, _ := h.service.RunImport(ctx, "feed")
	if res := resultFor(t, summary, "feed"); res.Errors != 1 {
		t.Fatalf("skipped record should be counted: %+v", res)
	}
	for _, ev := range h.store.Events() {
		if ev.Status == models.EventStatusCancelled {
			t.Fatal("an unreadable record must not cancel its event")
		}
	}
}

func mergedAcrossSources(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	start := upcoming(48)
	h.adapters["a"].fetch = returning(record("1", "Jazz Night", start))
	h.adapters["b"].fetch = returning(record("9", "Jazz Night @ Club X", start.Add(30*time.Minute)))
	if _, err := h.service.RunImport(ctx, "a"); err != nil {
		t.Fatalf("run a: %v", err)
	}
	if _, err := h.service.RunImport(ctx, "b"); err != nil {
		t.Fatalf("run b: %v", err)
	}
	events := h.store.Events()
	if len(events) != 1 || len(h.store.Links(events[0].ID)) != 2 {
		t.Fatalf("expected one merged event, got %+v", events)
	}
	return events[0].ID
}

func TestEventListedBySecondarySourceIsNotCancelled(t *testing.T) {
	h := newHarness(t, Options{}, "a", "b")
	id := mergedAcrossSources(t, h)

	h.adapters["a"].fetch = returning()
	if _, err := h.service.RunImport(context.Background(), "a"); err != nil {
		t.Fatalf("rerun a: %v", err)
	}
	ev, _ := h.store.GetEvent(context.Background(), id)
	if ev.Status == models.EventStatusCancelled {
		t.Fatal("event still listed by another source was cancelled")
	}
}

func TestSecondarySourceRestoresCancelledEvent(t *testing.T) {
	h := newHarness(t, Options{SecondaryGrace: time.Nanosecond}, "a", "b")
	ctx := context.Background()
	id := mergedAcrossSources(t, h)

	h.adapters["a"].fetch = returning()
	_, _ = h.service.RunImport(ctx, "a")
	ev, _ := h.store.GetEvent(ctx, id)
	if ev.Status != models.EventStatusCancelled {
		t.Fatalf("expected the primary sweep to cancel once the grace is over, got %s", ev.Status)
	}

	summary, err := h.service.RunImport(ctx, "b")
	if err != nil {
		t.Fatalf("rerun b: %v", err)
	}
	if res := resultFor(t, summary, "b"); res.Updated != 1 {
		t.Fatalf("restore should count as an update: %+v", res)
	}
	ev, _ = h.store.GetEvent(ctx, id)
	if ev.Status != models.EventStatusUpdated {
		t.Fatalf("expected UPDATED after restore, got %s", ev.Status)
	}
}

type blockingGeocoder struct {
	release chan struct{}
}

func (g *blockingGeocoder) Geocode(context.Context, string) (*geo.Coordinates, error) {
	<-g.release
	return nil, errors.New("released")
}

func TestAbandonedJobKeepsPersistedCounts(t *testing.T) {
	h := newHarness(t, Options{RunDeadline: 200 * time.Millisecond}, "feed")
	geocoder := &blockingGeocoder{release: make(chan struct{})}
	t.Cleanup(func() { close(geocoder.release) })
	h.service.WithGeo(geocoder, nil)

	stuck := record("2", "Techno Marathon", upcoming(72))
	stuck.Venue.Address = "12 rue Oberkampf"
	h.adapters["feed"].fetch = returning(record("1", "Jazz Night", upcoming(48)), stuck)

	summary, err := h.service.RunImport(context.Background(), "feed")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := resultFor(t, summary, "feed")
	if res.Status != models.JobStatusError || res.ErrorText != deadlineReason || res.Created != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	jobs, _ := h.store.ListJobs(context.Background(), "feed", 1)
	if jobs[0].NbCreated != 1 || jobs[0].Stats["fetched"] != 2 {
		t.Fatalf("job row lost the work done before the deadline: %+v", jobs[0])
	}
}

type fakeGeocoder struct {
	mu      sync.Mutex
	queries []string
}

func (g *fakeGeocoder) Geocode(_ context.Context, address string) (*geo.Coordinates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, address)
	return &geo.Coordinates{Lat: 48.8566, Lon: 2.3522}, nil
}

type fixedResolver string

func (r fixedResolver) Resolve(lon, lat float64) (string, bool) {
	return string(r), true
}

func TestVenueGeocodedAndPlaced(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	geocoder := &fakeGeocoder{}
	h.service.WithGeo(geocoder, fixedResolver("Le Marais"))

	rec := record("1", "Jazz Night", upcoming(48))
	rec.Venue = models.RawVenue{Name: "Club X", Address: "12 rue Oberkampf", City: "Paris", PostalCode: "75011"}
	h.adapters["feed"].fetch = returning(rec)

	if _, err := h.service.RunImport(context.Background(), "feed"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(geocoder.queries) != 1 || geocoder.queries[0] != "12 rue Oberkampf, 75011, Paris" {
		t.Fatalf("unexpected geocoder queries %v", geocoder.queries)
	}
	venues := h.store.Venues()
	if len(venues) != 1 || venues[0].Neighborhood == nil || *venues[0].Neighborhood != "Le Marais" || !venues[0].HasCoordinates() {
		t.Fatalf("venue not enriched: %+v", venues)
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	sets []pipeline.ChangeSet
}

func (p *capturePublisher) PublishEvent(_ context.Context, eventType, source string, data map[string]interface{}) error {
	if eventType != pipeline.EventTypeChanged {
		return errors.New("unexpected event type " + eventType)
	}
	set, err := pipeline.ParsePayload(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets = append(p.sets, set)
	return nil
}

func TestChangedEventsArePublished(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	pub := &capturePublisher{}
	h.service.WithPublisher(pub)
	h.adapters["feed"].fetch = returning(record("1", "Jazz Night", upcoming(48)))

	summary, _ := h.service.RunImport(context.Background(), "feed")
	_, _ = h.service.RunImport(context.Background(), "feed")

	if len(pub.sets) != 1 {
		t.Fatalf("only the run with changes should publish, got %d", len(pub.sets))
	}
	set := pub.sets[0]
	if set.SourceID != "feed" || set.RunID != summary.RunID || len(set.Created) != 1 || set.JobID == "" {
		t.Fatalf("unexpected change set %+v", set)
	}
}

type unreachableStore struct {
	*catalog.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestUnreachableCatalogAbortsRun(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	h.service.store = unreachableStore{h.store}
	if _, err := h.service.RunImport(context.Background(), ""); err == nil {
		t.Fatal("expected the run to abort")
	}
}
