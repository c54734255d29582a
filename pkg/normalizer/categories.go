package normalizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/citypulse/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

type CategoryRule struct {
	Category models.Category `yaml:"category" json:"category"`
	Keywords []string        `yaml:"keywords" json:"keywords"`
}

// CategoryTable is ordered; the first rule with a matching keyword wins.
type CategoryTable struct {
	Rules []CategoryRule `yaml:"categories" json:"categories"`
}

func LoadCategories(path string) (CategoryTable, error) {
	if path == "" {
		return DefaultCategories(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCategories(), err
	}
	var table CategoryTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return CategoryTable{}, err
	}
	if len(table.Rules) == 0 {
		return CategoryTable{}, fmt.Errorf("category table empty")
	}
	for _, rule := range table.Rules {
		if !rule.Category.Valid() {
			return CategoryTable{}, fmt.Errorf("unknown category %q", rule.Category)
		}
	}
	return table, nil
}

// Match returns the first category whose keyword appears as whole words in text.
func (t CategoryTable) Match(text string) (models.Category, bool) {
	haystack := " " + strings.Join(Tokens(text), " ") + " "
	if strings.TrimSpace(haystack) == "" {
		return "", false
	}
	for _, rule := range t.Rules {
		for _, kw := range rule.Keywords {
			needle := strings.Join(Tokens(kw), " ")
			if needle == "" {
				continue
			}
			if strings.Contains(haystack, " "+needle+" ") {
				return rule.Category, true
			}
		}
	}
	return "", false
}

func DefaultCategories() CategoryTable {
	return CategoryTable{Rules: []CategoryRule{
		{Category: models.CategoryFestival, Keywords: []string{"festival", "fest", "open air"}},
		{Category: models.CategoryClubbing, Keywords: []string{"clubbing", "dj set", "dj", "techno", "house music", "rave", "soiree", "afterparty"}},
		{Category: models.CategoryConcert, Keywords: []string{"concert", "live music", "gig", "jazz", "rock", "rap", "hip hop", "orchestra", "recital", "musique", "music"}},
		{Category: models.CategoryTheatre, Keywords: []string{"theatre", "theater", "comedy", "stand up", "opera", "ballet", "danse", "dance", "spectacle", "improv"}},
		{Category: models.CategoryCinema, Keywords: []string{"cinema", "film", "movie", "screening", "projection"}},
		{Category: models.CategoryExhibition, Keywords: []string{"exhibition", "exposition", "expo", "gallery", "vernissage", "museum", "musee"}},
		{Category: models.CategorySport, Keywords: []string{"sport", "match", "marathon", "run", "yoga", "football", "basketball", "tournament"}},
		{Category: models.CategoryWorkshop, Keywords: []string{"workshop", "atelier", "class", "course", "masterclass", "conference", "talk", "meetup"}},
		{Category: models.CategoryFood, Keywords: []string{"food", "tasting", "degustation", "brunch", "dinner", "wine", "beer", "market", "marche"}},
	}}
}
