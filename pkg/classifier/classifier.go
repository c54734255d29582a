// Package classifier asks a chat-completions model for structured event tags.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/citypulse/platform/pkg/common/errs"
	"github.com/citypulse/platform/pkg/common/httpclient"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/citypulse/platform/pkg/observability/metrics"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	maxValuesPerCategory = 5
	maxPromptDescription = 2000
)

type Tags struct {
	Genres   []string `json:"genres"`
	Styles   []string `json:"styles"`
	Ambiance []string `json:"ambiance"`
	Type     string   `json:"type"`
}

func (t Tags) Empty() bool {
	return len(t.Genres) == 0 && len(t.Styles) == 0 && len(t.Ambiance) == 0 && t.Type == ""
}

// Structured flattens the tags into (category, value) pairs, lower-cased and de-duplicated.
func (t Tags) Structured() []models.StructuredTag {
	var out []models.StructuredTag
	seen := make(map[models.StructuredTag]struct{})
	add := func(category string, values []string) {
		n := 0
		for _, v := range values {
			v = strings.ToLower(strings.Join(strings.Fields(v), " "))
			tag := models.StructuredTag{Category: category, Value: v}
			if v == "" || n == maxValuesPerCategory {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
			n++
		}
	}
	add(models.TagGenre, t.Genres)
	add(models.TagStyle, t.Styles)
	add(models.TagAmbiance, t.Ambiance)
	add(models.TagType, []string{t.Type})
	return out
}

type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Retry   httpclient.RetryConfig
}

type Client struct {
	apiKey  string
	baseURL string
	model   string
	timeout time.Duration
	retry   httpclient.RetryConfig
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[Tags]
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retry := opts.Retry
	if retry.Attempts <= 0 {
		retry = httpclient.RetryConfig{Attempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	return &Client{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		timeout: timeout,
		retry:   retry,
		http:    httpclient.New(timeout),
		cb:      httpclient.NewBreaker[Tags]("classifier"),
	}
}

// Enabled is false without an API key; Classify then returns empty tags.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != "" && c.baseURL != ""
}

// Classify never blocks the caller beyond its timeout. Any failure yields empty
// tags and a *errs.ResolutionError.
func (c *Client) Classify(ctx context.Context, title, description string, existingTags []string) (Tags, error) {
	if !c.Enabled() {
		return Tags{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tags, err := c.cb.Execute(func() (Tags, error) {
		return c.call(ctx, buildPrompt(title, description, existingTags))
	})
	if err != nil {
		metrics.ObserveResolution(string(errs.StageClassify), "error")
		return Tags{}, &errs.ResolutionError{Stage: errs.StageClassify, Err: err}
	}
	if tags.Empty() {
		metrics.ObserveResolution(string(errs.StageClassify), "miss")
	} else {
		metrics.ObserveResolution(string(errs.StageClassify), "hit")
	}
	return tags, nil
}

func buildPrompt(title, description string, existingTags []string) string {
	if r := []rune(description); len(r) > maxPromptDescription {
		description = string(r[:maxPromptDescription])
	}
	return fmt.Sprintf(`Classify the following city event for a nightlife and culture guide.

Title: %s
Description: %s
Existing tags: %s

Return only a JSON object with the fields: genres (music or art genres), styles
(sub-genres or formats), ambiance (mood words) and type (one word such as concert,
party, exhibition, play, screening, workshop). Use lower case. Leave a field empty
when unsure.`, title, description, strings.Join(existingTags, ", "))
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) call(ctx context.Context, prompt string) (Tags, error) {
	payload := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Tags{}, err
	}

	body, err := httpclient.Do(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payloadBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	}, c.retry)
	if err != nil {
		return Tags{}, err
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Tags{}, fmt.Errorf("decoding completion: %w", err)
	}
	if len(result.Choices) == 0 {
		return Tags{}, errors.New("no response from LLM")
	}
	return parseTags(result.Choices[0].Message.Content)
}

// parseTags accepts a bare JSON object or one wrapped in a markdown code fence.
func parseTags(content string) (Tags, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}
	var tags Tags
	if err := json.Unmarshal([]byte(content), &tags); err != nil {
		return Tags{}, fmt.Errorf("unparseable classification: %w", err)
	}
	tags.Type = strings.ToLower(strings.TrimSpace(tags.Type))
	return tags, nil
}
