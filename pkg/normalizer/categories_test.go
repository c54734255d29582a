package normalizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/citypulse/platform/pkg/common/models"
)

func TestDefaultCategoriesFirstMatchWins(t *testing.T) {
	table := DefaultCategories()
	cases := map[string]models.Category{
		"Jazz festival on the river": models.CategoryFestival,
		"Techno DJ set":              models.CategoryClubbing,
		"Rock concert":               models.CategoryConcert,
		"Stand-up comedy":            models.CategoryTheatre,
		"Outdoor film screening":     models.CategoryCinema,
		"Vernissage":                 models.CategoryExhibition,
		"Atelier poterie":            models.CategoryWorkshop,
		"Wine tasting":               models.CategoryFood,
	}
	for text, want := range cases {
		got, ok := table.Match(text)
		if !ok || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", text, want, got, ok)
		}
	}
}

func TestCategoryMatchWholeWords(t *testing.T) {
	table := DefaultCategories()
	if got, ok := table.Match("Brunch at the club house"); !ok || got != models.CategoryFood {
		t.Fatalf("expected FOOD, got %s", got)
	}
	if _, ok := table.Match("Running errands"); ok {
		t.Fatal("partial words must not match")
	}
	if _, ok := table.Match(""); ok {
		t.Fatal("empty text must not match")
	}
}

func TestInferCategoryDefaultsToCommunity(t *testing.T) {
	ev := baseEvent()
	ev.Title = "Neighbourhood clean-up"
	ev.Description = "Bring gloves."
	c, err := NewTransformer(CategoryTable{}, "EUR").Normalize("s", ev, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Event.Category != models.CategoryCommunity {
		t.Fatalf("expected COMMUNITY, got %s", c.Event.Category)
	}
}

func TestInferCategoryRawCategoryBeforeTitle(t *testing.T) {
	ev := baseEvent()
	ev.RawCategory = "Theatre"
	c, _ := NewTransformer(CategoryTable{}, "EUR").Normalize("s", ev, testNow)
	if c.Event.Category != models.CategoryTheatre {
		t.Fatalf("expected THEATRE from raw category, got %s", c.Event.Category)
	}
}

func TestLoadCategories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "categories.yaml")
	content := "categories:\n  - category: SPORT\n    keywords: [\"petanque\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := LoadCategories(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := table.Match("Tournoi de pétanque"); !ok || got != models.CategorySport {
		t.Fatalf("expected SPORT, got %s", got)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("categories:\n  - category: KARAOKE\n    keywords: [x]\n"), 0o600)
	if _, err := LoadCategories(bad); err == nil {
		t.Fatal("expected unknown category error")
	}

	table, err = LoadCategories("")
	if err != nil || len(table.Rules) == 0 {
		t.Fatal("empty path should return defaults")
	}
}

func TestVenueKeyFolding(t *testing.T) {
	if got := VenueKey("Café Olé", "75011"); got != "cafe-ole:75011" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := VenueKey("  CAFE   OLE!! ", "75011"); got != "cafe-ole:75011" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := VenueKey("", "75011"); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}
}
