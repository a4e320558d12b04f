package tools

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestErrorFieldOmittedOnSuccess(t *testing.T) {
	resp := SearchResponse{
		Status:  "success",
		Results: []SearchResultPayload{},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "error") {
		t.Errorf("error field should be omitted on success: %s", data)
	}
	// Results must serialize as an empty array, not null.
	if !strings.Contains(string(data), `"results":[]`) {
		t.Errorf("expected empty results array: %s", data)
	}
}

func TestIndexFileRequestRoundTrip(t *testing.T) {
	payload := `{
		"file_path": "src/auth.go",
		"content": "package auth",
		"language": "go",
		"chunks": [{"text": "package auth", "start_line": 1, "end_line": 1, "chunk_type": "block"}]
	}`

	var req IndexFileRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.FilePath != "src/auth.go" {
		t.Errorf("unexpected file path %q", req.FilePath)
	}
	if len(req.Chunks) != 1 || req.Chunks[0].StartLine != 1 {
		t.Errorf("unexpected chunks %+v", req.Chunks)
	}
	if req.Force {
		t.Error("force should default to false")
	}
}
