package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kasane/internal/aggregate"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/internal/storage"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		QueryTime: 42,
		Total:     2,
		Results: []*models.SearchResult{
			{Rank: 1, Level: "proj", ID: 7, Distance: 0.125, Fingerprint: "0123456789abcdef0123"},
			{Rank: 2, Level: ".", ID: 3, Distance: 0.5, Fingerprint: "fedcba9876543210fedc"},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Total != 2 || decoded.QueryTime != 42 {
		t.Errorf("decoded total=%d query_time=%d, want 2 and 42", decoded.Total, decoded.QueryTime)
	}
	if len(decoded.Results) != 2 || decoded.Results[0].Level != "proj" || decoded.Results[0].ID != 7 {
		t.Errorf("decoded results: want proj/7 first, got %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{"Found 2 results", "42ms", "proj", "id=7", "distance=0.1250", "0123456789ab..."} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef0123") {
		t.Errorf("fingerprint should be shortened:\n%s", out)
	}
}

func TestWriteSearchResults_textMissing(t *testing.T) {
	response := &models.SearchResponse{Missing: []models.RecordRef{{Level: "a/b", ID: 99}}}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "kasane check") || !strings.Contains(out, "a/b id=99") {
		t.Errorf("expected missing hits to be listed:\n%s", out)
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"json", OutputJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOutputFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWritePutResults(t *testing.T) {
	var buf bytes.Buffer
	results := []level.PutResult{{ID: 1, Created: true}, {ID: 1, Created: false}}
	if err := WritePutResults(&buf, "s", results, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "s id=1 created") || !strings.Contains(out, "s id=1 existing") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestWriteReports(t *testing.T) {
	reports := []*guard.Report{
		{Level: ".", Status: guard.Consistent, StoreCount: 10, IndexSize: 10, Action: guard.ActionNone},
		{Level: "s", Status: guard.Diverged, StoreCount: 10, IndexSize: 8, Delta: 2, Ratio: 0.2,
			Missing: []uint64{9, 10}, Action: guard.ActionReplayed, Replayed: 2},
	}
	var buf bytes.Buffer
	if err := WriteReports(&buf, reports, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"consistent", "diverged", "20.00%", "action=replayed", "replayed=2", "[9 10]"} {
		if !strings.Contains(out, sub) {
			t.Errorf("report output missing %q:\n%s", sub, out)
		}
	}

	buf.Reset()
	if err := WriteReports(&buf, reports, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Reports []guard.Report `json:"reports"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(decoded.Reports) != 2 || decoded.Reports[1].Action != guard.ActionReplayed {
		t.Errorf("decoded reports: %+v", decoded.Reports)
	}
}

func TestWriteAggregateResults(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAggregateResults(&buf, nil, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "nothing to aggregate") {
		t.Errorf("got %q", buf.String())
	}

	buf.Reset()
	results := []*aggregate.Result{{Child: "a", Parent: ".", Scanned: 5, Copied: 3, Linked: 5, FromID: 1, ToID: 5, Duration: 1500 * time.Microsecond}}
	if err := WriteAggregateResults(&buf, results, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "a -> .: scanned=5 copied=3 linked=5 ids=[1,5]") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestWriteLevels_indentsByDepth(t *testing.T) {
	entries := []LevelEntry{
		{Path: ".", Children: []string{"p"}},
		{Path: "p", Parent: ".", Children: []string{"p/c"}},
		{Path: "p/c", Parent: "p"},
	}
	var buf bytes.Buffer
	if err := WriteLevels(&buf, "/data", entries, OutputText); err != nil {
		t.Fatal(err)
	}
	want := "root: /data\n  .\n    p\n      p/c\n"
	if buf.String() != want {
		t.Errorf("WriteLevels = %q, want %q", buf.String(), want)
	}
}

func TestWriteStatus(t *testing.T) {
	levels := []*level.Status{{
		Name:           "s",
		Info:           models.LevelInfo{LevelID: "abc", Dimensions: 4, Metric: "l2"},
		Count:          3,
		MaxID:          3,
		IndexType:      "hnsw",
		IndexState:     level.IndexLoaded,
		IndexSize:      3,
		DiskUsageBytes: 2048,
		Disk:           storage.DiskUsage{StoreBytes: 1536, IndexBytes: 512},
	}}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, levels, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"level:            s", "abc", "4 (l2)", "hnsw loaded, 3 vectors", "2.0 KiB (store 1.5 KiB, index 512 B)"} {
		if !strings.Contains(out, sub) {
			t.Errorf("status output missing %q:\n%s", sub, out)
		}
	}
}
