package pipeline

import (
	"encoding/json"
	"testing"
)

func TestPayloadSurvivesJSONTransport(t *testing.T) {
	in := ChangeSet{RunID: "r1", SourceID: "feed", JobID: "j1", Created: []string{"a", "b"}, Updated: []string{"b", "c"}}
	raw, err := json.Marshal(BuildPayload(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := ParsePayload(decoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := out.EventIDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("expected deduplicated ids [a b c], got %v", ids)
	}
}

func TestParsePayloadRequiresSource(t *testing.T) {
	if _, err := ParsePayload(map[string]interface{}{"created": []interface{}{"a"}}); err == nil {
		t.Fatal("expected error without source_id")
	}
}
