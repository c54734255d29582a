package dedup

import (
	"sort"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/normalizer"
)

const (
	DefaultTitleThreshold = 0.88
	DefaultTimeTolerance  = 2 * time.Hour
)

// joiners are dropped together with venue tokens ("Jazz Night at Club X").
var joiners = map[string]struct{}{
	"at": {}, "a": {}, "au": {}, "aux": {}, "chez": {}, "in": {}, "en": {}, "live": {},
}

type Match struct {
	Event models.Event
	Score float64
}

type Matcher struct {
	threshold float64
	tolerance time.Duration
}

func NewMatcher(threshold float64, tolerance time.Duration) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultTitleThreshold
	}
	if tolerance <= 0 {
		tolerance = DefaultTimeTolerance
	}
	return &Matcher{threshold: threshold, tolerance: tolerance}
}

func (m *Matcher) Tolerance() time.Duration {
	return m.tolerance
}

// TitleKey folds a title and removes the venue-name tokens and joiners.
func TitleKey(title string, venueTokens []string) string {
	drop := make(map[string]struct{}, len(venueTokens))
	for _, t := range venueTokens {
		drop[t] = struct{}{}
	}
	var kept []string
	for _, tok := range normalizer.Tokens(title) {
		if _, ok := drop[tok]; ok {
			continue
		}
		if _, ok := joiners[tok]; ok {
			continue
		}
		kept = append(kept, tok)
	}
	if len(kept) == 0 {
		return strings.Join(normalizer.Tokens(title), " ")
	}
	return strings.Join(kept, " ")
}

func (m *Matcher) TitleSimilarity(a, b string, venueTokens []string) float64 {
	return jaroWinkler(TitleKey(a, venueTokens), TitleKey(b, venueTokens))
}

// Candidates returns the events within tolerance whose title similarity reaches the threshold,
// best score first. Events whose primary source is the candidate's own source are excluded.
func (m *Matcher) Candidates(c *models.Candidate, events []models.Event) []Match {
	var out []Match
	for _, ev := range events {
		if ev.Source == c.Event.Source {
			continue
		}
		if ev.Status == models.EventStatusCancelled || ev.VenueKey != c.VenueKey {
			continue
		}
		delta := ev.StartAt.Sub(c.Event.StartAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > m.tolerance {
			continue
		}
		score := m.TitleSimilarity(c.Event.Title, ev.Title, c.VenueTokens)
		if score >= m.threshold {
			out = append(out, Match{Event: ev, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Pick breaks ties between qualifying matches: fewest recent errors of the primary source,
// then earliest created.
func Pick(matches []Match, recentErrors map[string]int) *models.Event {
	if len(matches) == 0 {
		return nil
	}
	best := matches[0].Event
	for _, m := range matches[1:] {
		ev := m.Event
		be, ee := recentErrors[best.Source], recentErrors[ev.Source]
		switch {
		case ee < be:
			best = ev
		case ee == be && ev.CreatedAt.Before(best.CreatedAt):
			best = ev
		case ee == be && ev.CreatedAt.Equal(best.CreatedAt) && ev.ID < best.ID:
			best = ev
		}
	}
	return &best
}

func jaroWinkler(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	a, b := []rune(s1), []rune(s2)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	matchDistance := max(len(a), len(b))/2 - 1
	if matchDistance < 0 {
		matchDistance = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	transpositions := 0

	for i := range a {
		start := max(0, i-matchDistance)
		end := min(i+matchDistance+1, len(b))
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for ; !bMatches[k]; k++ {
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	transpositions /= 2

	jaro := (float64(matches)/float64(len(a)) + float64(matches)/float64(len(b)) + float64(matches-transpositions)/float64(matches)) / 3

	prefix := 0
	for i := 0; i < min(4, min(len(a), len(b))); i++ {
		if a[i] == b[i] {
			prefix++
		} else {
			break
		}
	}

	return jaro + float64(prefix)*0.1*(1-jaro)
}
