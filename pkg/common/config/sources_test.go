package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/citypulse/platform/pkg/common/models"
)

func TestLoadSourcesParsesTaggedConfigs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	content := `
sources:
  - id: fb-venues
    name: Venue pages
    kind: graph
    enabled: true
    config:
      graph:
        base_url: https://graph.example.com/v18.0
        page_ids: ["123", "456"]
        access_token: token
  - id: classifieds
    name: Classifieds
    kind: feed
    enabled: false
    config:
      feed:
        url: https://feed.example.com/events
        bearer_token: secret
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Kind != models.SourceKindGraph || sources[0].Config.Graph == nil {
		t.Fatalf("expected graph config on first source, got %+v", sources[0])
	}
	if len(sources[0].Config.Graph.PageIDs) != 2 {
		t.Fatalf("expected 2 page ids, got %v", sources[0].Config.Graph.PageIDs)
	}
	if sources[1].IsEnabled {
		t.Fatal("expected second source disabled")
	}
}

func TestValidateSourceRejectsMismatchedKind(t *testing.T) {
	src := models.Source{
		ID:     "x",
		Kind:   models.SourceKindTicketing,
		Config: models.SourceConfig{Feed: &models.FeedConfig{URL: "https://feed"}},
	}
	if err := ValidateSource(src); err == nil {
		t.Fatal("expected error for feed config on ticketing source")
	}
}

func TestLoadSourcesEmptyPath(t *testing.T) {
	sources, err := LoadSources("")
	if err != nil || sources != nil {
		t.Fatalf("expected no sources and no error, got %v %v", sources, err)
	}
}

func TestLoadSourcesExpandsEnvironment(t *testing.T) {
	t.Setenv("FEED_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "sources.yaml")
	content := `
sources:
  - id: classifieds
    kind: feed
    enabled: true
    config:
      feed:
        url: https://feed.example.com/events
        bearer_token: ${FEED_TOKEN}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sources[0].Config.Feed.BearerToken; got != "from-env" {
		t.Fatalf("expected expanded token, got %q", got)
	}
}
