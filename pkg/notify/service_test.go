package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/citypulse/platform/pkg/catalog"
	"github.com/citypulse/platform/pkg/classifier"
	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
)

type stubClassifier struct {
	mu     sync.Mutex
	calls  map[string]int
	byName map[string]classifier.Tags
}

func (s *stubClassifier) Classify(_ context.Context, title, _ string, _ []string) (classifier.Tags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[title]++
	tags, ok := s.byName[title]
	if !ok {
		return classifier.Tags{}, &errs.ResolutionError{Stage: errs.StageClassify, Err: errors.New("timeout")}
	}
	return tags, nil
}

func seedEvent(t *testing.T, store *catalog.MemoryStore, title string, tags ...models.StructuredTag) string {
	t.Helper()
	ev := &models.Event{Title: title, StartAt: time.Now().UTC().Add(24 * time.Hour), Status: models.EventStatusScheduled, Source: "feed", ExternalID: title, StructuredTags: tags}
	if err := store.CreateEvent(context.Background(), ev, nil, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return ev.ID
}

func TestProcessClassifiesAndNotifies(t *testing.T) {
	logger.Silence()
	ctx := context.Background()
	store := catalog.NewMemoryStore()

	favorite := seedEvent(t, store, "Old favourite", genre("jazz"), mood("cosy"))
	jazz := seedEvent(t, store, "Jazz Night")
	techno := seedEvent(t, store, "Techno Marathon", genre("techno"))
	broken := seedEvent(t, store, "Mystery Gig")

	store.AddSubscriber(models.Subscriber{ID: "jazz-fan", Genres: []string{"jazz"}})
	store.AddSubscriber(models.Subscriber{ID: "saver", Styles: []string{"ambient"}}, favorite)

	stub := &stubClassifier{calls: map[string]int{}, byName: map[string]classifier.Tags{
		"Jazz Night": {Genres: []string{"Jazz"}, Ambiance: []string{"cosy"}, Type: "concert"},
	}}
	svc := NewService(store, stub, NewMatcher(0.25), 2)

	res, err := svc.Process(ctx, []string{jazz, techno, broken})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Events != 3 || res.Classified != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if stub.calls["Techno Marathon"] != 0 {
		t.Fatal("already tagged events must not be reclassified")
	}

	stored, _ := store.GetEvent(ctx, jazz)
	if len(stored.StructuredTags) != 3 {
		t.Fatalf("tags not persisted: %+v", stored.StructuredTags)
	}

	got := make(map[string]models.NotificationReason)
	for _, n := range store.Notifications() {
		if n.EventID == jazz {
			got[n.SubscriberID] = n.Reason
		}
	}
	if got["jazz-fan"] != models.ReasonGenreMatch || got["saver"] != models.ReasonFavoriteSimilarity {
		t.Fatalf("unexpected notifications %v", got)
	}

	again, err := svc.Process(ctx, []string{jazz})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if again.Notified != 0 {
		t.Fatalf("duplicate pairs must be ignored, stored %d", again.Notified)
	}
}

func TestProcessWithoutClassifier(t *testing.T) {
	logger.Silence()
	store := catalog.NewMemoryStore()
	id := seedEvent(t, store, "Techno Marathon", genre("techno"))
	store.AddSubscriber(models.Subscriber{ID: "raver", Genres: []string{"techno"}})

	res, err := NewService(store, nil, NewMatcher(0), 0).Process(context.Background(), []string{id})
	if err != nil || res.Notified != 1 {
		t.Fatalf("expected one notification, got %+v (%v)", res, err)
	}
}
