package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/normalizer"
)

var jazzStart = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

func candidate(source, ext, title string, start time.Time, venue string) *models.Candidate {
	c := &models.Candidate{Event: models.Event{
		Title:      title,
		StartAt:    start,
		Category:   models.CategoryConcert,
		Status:     models.EventStatusScheduled,
		Source:     source,
		ExternalID: ext,
		ImageURL:   normalizer.PlaceholderImageURL,
	}}
	if venue != "" {
		key := normalizer.VenueKey(venue, "")
		c.Venue = &models.Venue{Key: key, Name: venue}
		c.VenueKey = key
		c.VenueTokens = normalizer.Tokens(venue)
		c.Event.VenueKey = key
	}
	return c
}

func newReconciler(store *catalog.MemoryStore) *Reconciler {
	return NewReconciler(store, store, NewKeyedMutex(), Options{TitleThreshold: 0.88, TimeTolerance: 2 * time.Hour})
}

func TestJazzNightMergesAcrossSources(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	first, err := r.Reconcile(ctx, candidate("A", "123", "Jazz Night", jazzStart, "Club X"))
	if err != nil || first.Action != ActionCreated {
		t.Fatalf("expected created, got %+v (%v)", first, err)
	}
	second, err := r.Reconcile(ctx, candidate("B", "999", "Jazz Night @ Club X", jazzStart.Add(30*time.Minute), "Club X"))
	if err != nil || second.Action != ActionMerged {
		t.Fatalf("expected merged, got %+v (%v)", second, err)
	}
	if second.EventID != first.EventID {
		t.Fatal("merge should attach to the existing event")
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one canonical event, got %d", len(events))
	}
	links := store.Links(first.EventID)
	if len(links) != 2 || !links[0].IsPrimary || links[0].SourceID != "A" || links[1].SourceID != "B" || links[1].IsPrimary {
		t.Fatalf("unexpected links %+v", links)
	}
	if events[0].Title != "Jazz Night" {
		t.Fatal("primary event must be unchanged by a merge")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	for i := 0; i < 3; i++ {
		out, err := r.Reconcile(ctx, candidate("A", "123", "Jazz Night", jazzStart, "Club X"))
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		want := ActionSkipped
		if i == 0 {
			want = ActionCreated
		}
		if out.Action != want {
			t.Fatalf("run %d: expected %s, got %s", i, want, out.Action)
		}
		merged, _ := r.Reconcile(ctx, candidate("B", "999", "Jazz Night", jazzStart, "Club X"))
		if i > 0 && merged.Action != ActionSkipped {
			t.Fatalf("run %d: secondary link should be skipped, got %s", i, merged.Action)
		}
	}
	if n := len(store.Events()); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}

func TestExactKeyUpdatesMutableFields(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	created, _ := r.Reconcile(ctx, candidate("A", "123", "Jazz Night", jazzStart, "Club X"))

	moved := candidate("A", "123", "Jazz Night", jazzStart.Add(time.Hour), "Club X")
	price := int64(1500)
	moved.Event.PriceMin = &price
	out, err := r.Reconcile(ctx, moved)
	if err != nil || out.Action != ActionUpdated || out.EventID != created.EventID {
		t.Fatalf("expected update, got %+v (%v)", out, err)
	}
	ev, _ := store.GetEvent(ctx, created.EventID)
	if ev.Status != models.EventStatusUpdated || !ev.StartAt.Equal(jazzStart.Add(time.Hour)) || *ev.PriceMin != 1500 {
		t.Fatalf("unexpected updated event %+v", ev)
	}

	cancelled := candidate("A", "123", "Jazz Night", jazzStart.Add(time.Hour), "Club X")
	cancelled.Event.PriceMin = &price
	cancelled.Event.Status = models.EventStatusCancelled
	out, _ = r.Reconcile(ctx, cancelled)
	ev, _ = store.GetEvent(ctx, created.EventID)
	if out.Action != ActionUpdated || ev.Status != models.EventStatusCancelled {
		t.Fatalf("expected cancellation update, got %s / %s", out.Action, ev.Status)
	}
}

func TestDistinctEventsAreNotMerged(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	_, _ = r.Reconcile(ctx, candidate("A", "1", "Jazz Night", jazzStart, "Club X"))
	cases := []*models.Candidate{
		candidate("B", "2", "Techno Marathon", jazzStart, "Club X"),
		candidate("B", "3", "Jazz Night", jazzStart.Add(3*time.Hour), "Club X"),
		candidate("B", "4", "Jazz Night", jazzStart, "Le Baiser Salé"),
		candidate("B", "5", "Jazz Night", jazzStart, ""),
	}
	for _, c := range cases {
		out, err := r.Reconcile(ctx, c)
		if err != nil || out.Action != ActionCreated {
			t.Fatalf("%s: expected created, got %+v (%v)", c.Event.ExternalID, out, err)
		}
	}
	if n := len(store.Events()); n != 5 {
		t.Fatalf("expected 5 events, got %d", n)
	}
}

func TestSameSourceIsNotFuzzyMerged(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	_, _ = r.Reconcile(ctx, candidate("A", "1", "Jazz Night", jazzStart, "Club X"))
	out, _ := r.Reconcile(ctx, candidate("A", "2", "Jazz Night", jazzStart.Add(time.Hour), "Club X"))
	if out.Action != ActionCreated {
		t.Fatalf("records of one source are distinct events, got %s", out.Action)
	}
}

func TestFuzzyTieBreakPrefersReliableSource(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	seed := func(source, ext string, start time.Time) string {
		c := candidate(source, ext, "Jazz Night", start, "Club X")
		if err := store.CreateEvent(ctx, &c.Event, c.Venue, start); err != nil {
			t.Fatalf("seeding %s: %v", source, err)
		}
		return c.Event.ID
	}
	seed("noisy", "n1", jazzStart)
	reliable := seed("reliable", "r1", jazzStart.Add(10*time.Minute))
	_ = store.CreateJob(ctx, &models.ImportJob{SourceID: "noisy", Status: models.JobStatusError, StartedAt: time.Now().UTC()})

	out, err := r.Reconcile(ctx, candidate("third", "t1", "Jazz Night", jazzStart.Add(5*time.Minute), "Club X"))
	if err != nil || out.Action != ActionMerged {
		t.Fatalf("expected merge, got %+v (%v)", out, err)
	}
	if out.EventID != reliable {
		t.Fatal("tie should go to the source with fewer recent errors")
	}
}

func TestPickEarliestCreatedOnEqualErrors(t *testing.T) {
	older := models.Event{ID: "b", Source: "x", CreatedAt: jazzStart}
	newer := models.Event{ID: "a", Source: "y", CreatedAt: jazzStart.Add(time.Minute)}
	got := Pick([]Match{{Event: newer, Score: 1}, {Event: older, Score: 0.9}}, map[string]int{})
	if got.ID != "b" {
		t.Fatalf("expected earliest created event, got %s", got.ID)
	}
	if Pick(nil, nil) != nil {
		t.Fatal("no matches should pick nothing")
	}
}

// racingStore inserts a competing record right before the first create, as a concurrent importer would.
type racingStore struct {
	*catalog.MemoryStore
	once sync.Once
}

func (s *racingStore) CreateEvent(ctx context.Context, ev *models.Event, venue *models.Venue, seenAt time.Time) error {
	s.once.Do(func() {
		rival := *ev
		rival.Title = "Jazz Night (early)"
		_ = s.MemoryStore.CreateEvent(ctx, &rival, venue, seenAt)
	})
	return s.MemoryStore.CreateEvent(ctx, ev, venue, seenAt)
}

func TestConflictIsRetriedAsUpdate(t *testing.T) {
	ctx := context.Background()
	mem := catalog.NewMemoryStore()
	store := &racingStore{MemoryStore: mem}
	r := NewReconciler(store, mem, NewKeyedMutex(), Options{})

	out, err := r.Reconcile(ctx, candidate("A", "123", "Jazz Night", jazzStart, "Club X"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if out.Action != ActionUpdated {
		t.Fatalf("expected the retry to update the rival record, got %s", out.Action)
	}
	events := mem.Events()
	if len(events) != 1 || events[0].Title != "Jazz Night" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "club-x:")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	other, err := km.Lock(ctx, "other:")
	if err != nil {
		t.Fatalf("other key should not block: %v", err)
	}
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(waitCtx, "club-x:"); err == nil {
		t.Fatal("second lock on the same key should block until the deadline")
	}

	unlock()
	again, err := km.Lock(ctx, "club-x:")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
	if len(km.locks) != 0 {
		t.Fatalf("lock table should be empty, has %d", len(km.locks))
	}
}

func TestConcurrentReconcileCreatesOneEvent(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemoryStore()
	r := newReconciler(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reconcile(ctx, candidate("A", "123", "Jazz Night", jazzStart, "Club X")); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := len(store.Events()); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
}
