package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/httpclient"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/goccy/go-json"
)

func completion(content string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return body
}

func newTestClient(url string) *Client {
	return New(Options{
		APIKey:  "test",
		BaseURL: url,
		Model:   "test-model",
		Timeout: 2 * time.Second,
		Retry:   httpclient.RetryConfig{Attempts: 1},
	})
}

func TestClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer test" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "test-model" {
			t.Errorf("unexpected model %v", req["model"])
		}
		w.Write(completion("```json\n{\"genres\":[\"Jazz\"],\"styles\":[\"bebop\",\"bebop\"],\"ambiance\":[\"cosy\"],\"type\":\"Concert\"}\n```"))
	}))
	defer srv.Close()

	tags, err := newTestClient(srv.URL).Classify(context.Background(), "Jazz Night", "Live quartet", []string{"jazz"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if tags.Type != "concert" || len(tags.Genres) != 1 {
		t.Fatalf("unexpected tags %+v", tags)
	}

	got := tags.Structured()
	want := []models.StructuredTag{
		{Category: models.TagGenre, Value: "jazz"},
		{Category: models.TagStyle, Value: "bebop"},
		{Category: models.TagAmbiance, Value: "cosy"},
		{Category: models.TagType, Value: "concert"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tag %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestClassifyFailuresDegradeToEmptyTags(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		},
		"unparseable": func(w http.ResponseWriter, r *http.Request) {
			w.Write(completion("I think this is a concert."))
		},
		"no choices": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			tags, err := newTestClient(srv.URL).Classify(context.Background(), "Jazz Night", "", nil)
			if !errs.IsResolutionError(err) {
				t.Fatalf("expected resolution error, got %v", err)
			}
			if !tags.Empty() {
				t.Fatalf("expected empty tags, got %+v", tags)
			}
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{APIKey: "test", BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Retry: httpclient.RetryConfig{Attempts: 1}})
	start := time.Now()
	_, err := c.Classify(context.Background(), "Jazz Night", "", nil)
	if !errs.IsResolutionError(err) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("classify should give up at its timeout")
	}
}

func TestDisabledWithoutAPIKey(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	tags, err := c.Classify(context.Background(), "Jazz Night", "", nil)
	if err != nil || !tags.Empty() || c.Enabled() {
		t.Fatalf("disabled classifier should return empty tags, got %+v %v", tags, err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("disabled classifier must not call the API")
	}
}

func TestBuildPromptCarriesExistingTags(t *testing.T) {
	prompt := buildPrompt("Jazz Night", "Live quartet", []string{"jazz", "live"})
	if !strings.Contains(prompt, "jazz, live") || !strings.Contains(prompt, "Jazz Night") {
		t.Fatalf("unexpected prompt %q", prompt)
	}
}

func TestBuildPromptTruncatesOnRuneBoundary(t *testing.T) {
	description := strings.Repeat("é", maxPromptDescription+10)
	prompt := buildPrompt("Expo", description, nil)
	if !utf8.ValidString(prompt) {
		t.Fatal("prompt is not valid UTF-8")
	}
	if got := strings.Count(prompt, "é"); got != maxPromptDescription {
		t.Fatalf("expected %d runes of description, got %d", maxPromptDescription, got)
	}
}
