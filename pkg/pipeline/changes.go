// Package pipeline holds the message contract between the import orchestrator
// and the enrichment consumer.
package pipeline

import (
	"fmt"
)

const EventTypeChanged = "events.changed"

type ChangeSet struct {
	RunID    string
	SourceID string
	JobID    string
	Created  []string
	Updated  []string
}

// EventIDs returns created then updated ids without duplicates.
func (c ChangeSet) EventIDs() []string {
	seen := make(map[string]struct{}, len(c.Created)+len(c.Updated))
	out := make([]string, 0, len(c.Created)+len(c.Updated))
	for _, group := range [][]string{c.Created, c.Updated} {
		for _, id := range group {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0
}

func BuildPayload(c ChangeSet) map[string]interface{} {
	return map[string]interface{}{
		"run_id":    c.RunID,
		"source_id": c.SourceID,
		"job_id":    c.JobID,
		"created":   c.Created,
		"updated":   c.Updated,
	}
}

// ParsePayload accepts both typed slices and the []interface{} produced by JSON decoding.
func ParsePayload(data map[string]interface{}) (ChangeSet, error) {
	if data == nil {
		return ChangeSet{}, fmt.Errorf("change payload missing")
	}
	set := ChangeSet{
		RunID:    getString(data["run_id"]),
		SourceID: getString(data["source_id"]),
		JobID:    getString(data["job_id"]),
		Created:  getStrings(data["created"]),
		Updated:  getStrings(data["updated"]),
	}
	if set.SourceID == "" {
		return ChangeSet{}, fmt.Errorf("change payload without source_id")
	}
	return set, nil
}

func getString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func getStrings(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
