package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/citypulse/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

type SourcesFile struct {
	Sources []models.Source `yaml:"sources"`
}

// LoadSources reads the bootstrap source declarations, expanding ${VAR} references
// so credentials stay in the environment. An empty path yields no sources.
func LoadSources(path string) ([]models.Source, error) {
	if path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var file SourcesFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(file.Sources))
	for i := range file.Sources {
		src := &file.Sources[i]
		src.ID = strings.TrimSpace(src.ID)
		if src.ID == "" {
			return nil, fmt.Errorf("source #%d: id required", i)
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("source %s declared twice", src.ID)
		}
		seen[src.ID] = struct{}{}
		if err := ValidateSource(*src); err != nil {
			return nil, err
		}
	}
	return file.Sources, nil
}

// ValidateSource checks that the per-kind config matches the declared kind.
func ValidateSource(src models.Source) error {
	var set int
	if src.Config.Graph != nil {
		set++
	}
	if src.Config.Ticketing != nil {
		set++
	}
	if src.Config.Feed != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("source %s: exactly one kind config expected, got %d", src.ID, set)
	}

	switch src.Kind {
	case models.SourceKindGraph:
		if src.Config.Graph == nil {
			return fmt.Errorf("source %s: graph config missing", src.ID)
		}
		if src.Config.Graph.BaseURL == "" || len(src.Config.Graph.PageIDs) == 0 {
			return fmt.Errorf("source %s: graph base_url and page_ids required", src.ID)
		}
	case models.SourceKindTicketing:
		if src.Config.Ticketing == nil {
			return fmt.Errorf("source %s: ticketing config missing", src.ID)
		}
		if src.Config.Ticketing.BaseURL == "" {
			return fmt.Errorf("source %s: ticketing base_url required", src.ID)
		}
		if src.Config.Ticketing.APIKey == "" && src.Config.Ticketing.ClientID == "" {
			return fmt.Errorf("source %s: ticketing api_key or client_id required", src.ID)
		}
	case models.SourceKindFeed:
		if src.Config.Feed == nil {
			return fmt.Errorf("source %s: feed config missing", src.ID)
		}
		if src.Config.Feed.URL == "" {
			return fmt.Errorf("source %s: feed url required", src.ID)
		}
	default:
		return errors.New("source " + src.ID + ": unknown kind " + string(src.Kind))
	}
	return nil
}
