// Package notify decides which subscribers hear about new or changed events.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/models"
)

const DefaultFavoriteThreshold = 0.25

type Matcher struct {
	favoriteThreshold float64
	now               func() time.Time
}

func NewMatcher(favoriteThreshold float64) *Matcher {
	if favoriteThreshold <= 0 || favoriteThreshold > 1 {
		favoriteThreshold = DefaultFavoriteThreshold
	}
	return &Matcher{favoriteThreshold: favoriteThreshold, now: func() time.Time { return time.Now().UTC() }}
}

// Evaluate returns at most one notification per (subscriber, event). Rules are tried
// in order: exact genre, exact style, similarity to favorited events' tags.
func (m *Matcher) Evaluate(events []models.Event, subscribers []models.Subscriber) []models.Notification {
	profiles := make([]profile, 0, len(subscribers))
	for _, sub := range subscribers {
		if sub.HasInterests() {
			profiles = append(profiles, newProfile(sub))
		}
	}

	var out []models.Notification
	now := m.now()
	for _, ev := range events {
		if ev.Status == models.EventStatusCancelled || len(ev.StructuredTags) == 0 {
			continue
		}
		genres := toSet(ev.TagValues(models.TagGenre))
		styles := toSet(ev.TagValues(models.TagStyle))
		all := make(map[string]struct{}, len(ev.StructuredTags))
		for _, tag := range ev.StructuredTags {
			all[fold(tag.Value)] = struct{}{}
		}

		for _, p := range profiles {
			reason, value, ok := m.match(p, genres, styles, all)
			if !ok {
				continue
			}
			out = append(out, models.Notification{
				SubscriberID: p.id,
				EventID:      ev.ID,
				Reason:       reason,
				Template:     string(reason),
				Message:      message(reason, value, ev),
				CreatedAt:    now,
			})
		}
	}
	return out
}

func (m *Matcher) match(p profile, genres, styles, all map[string]struct{}) (models.NotificationReason, string, bool) {
	if v, ok := firstShared(p.genres, genres); ok {
		return models.ReasonGenreMatch, v, true
	}
	if v, ok := firstShared(p.styles, styles); ok {
		return models.ReasonStyleMatch, v, true
	}
	if len(p.favorites) > 0 && Jaccard(p.favorites, all) >= m.favoriteThreshold {
		return models.ReasonFavoriteSimilarity, "", true
	}
	return "", "", false
}

type profile struct {
	id        string
	genres    []string
	styles    []string
	favorites map[string]struct{}
}

func newProfile(sub models.Subscriber) profile {
	return profile{
		id:        sub.ID,
		genres:    foldAll(sub.Genres),
		styles:    foldAll(sub.Styles),
		favorites: toSet(sub.FavoriteTags),
	}
}

// Jaccard is |a∩b| / |a∪b|, 0 for two empty sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := 0
	for v := range a {
		if _, ok := b[v]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

func firstShared(ordered []string, set map[string]struct{}) (string, bool) {
	for _, v := range ordered {
		if _, ok := set[v]; ok {
			return v, true
		}
	}
	return "", false
}

func message(reason models.NotificationReason, value string, ev models.Event) string {
	when := ev.StartAt.UTC().Format("Mon 2 Jan 15:04 MST")
	switch reason {
	case models.ReasonGenreMatch:
		return fmt.Sprintf("New %s event: %s (%s)", value, ev.Title, when)
	case models.ReasonStyleMatch:
		return fmt.Sprintf("%s, a %s night you might like (%s)", ev.Title, value, when)
	default:
		return fmt.Sprintf("%s looks like events you saved (%s)", ev.Title, when)
	}
}

func fold(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

func foldAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if f := fold(v); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range foldAll(values) {
		out[v] = struct{}{}
	}
	return out
}
