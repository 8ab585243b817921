// Package cli provides output helpers for the Kasane CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hyperjump/kasane/internal/aggregate"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
	"github.com/hyperjump/kasane/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat returns the format named by s.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

const fingerprintWidth = 12

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for _, r := range response.Results {
		fmt.Fprintf(w, "%3d. %-24s id=%-8d distance=%.4f  %s\n",
			r.Rank, r.Level, r.ID, r.Distance, utils.Truncate(r.Fingerprint, fingerprintWidth))
	}
	if len(response.Missing) > 0 {
		fmt.Fprintf(w, "\n%d hits are indexed but missing from their store; run `kasane check`:\n", len(response.Missing))
		for _, m := range response.Missing {
			fmt.Fprintf(w, "  %s id=%d\n", m.Level, m.ID)
		}
	}
	return nil
}

// WriteRecord writes one stored record.
func WriteRecord(w io.Writer, levelPath string, rec *models.VectorRecord, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, rec)
	}
	fmt.Fprintf(w, "level:       %s\n", levelPath)
	fmt.Fprintf(w, "id:          %d\n", rec.ID)
	fmt.Fprintf(w, "fingerprint: %s\n", rec.Fingerprint)
	fmt.Fprintf(w, "vector:      %v\n", rec.Vector)
	return nil
}

// WritePutResults writes the ids assigned by a put.
func WritePutResults(w io.Writer, levelPath string, results []level.PutResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"level": levelPath, "results": results})
	}
	for _, r := range results {
		state := "existing"
		if r.Created {
			state = "created"
		}
		fmt.Fprintf(w, "%s id=%d %s\n", levelPath, r.ID, state)
	}
	return nil
}

// WriteReports writes consistency reports.
func WriteReports(w io.Writer, reports []*guard.Report, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"reports": reports})
	}
	for _, r := range reports {
		fmt.Fprintf(w, "%-24s %-10s store=%d index=%d delta=%d (%.2f%%) action=%s",
			r.Level, r.Status, r.StoreCount, r.IndexSize, r.Delta, r.Ratio*100, r.Action)
		if r.Replayed > 0 {
			fmt.Fprintf(w, " replayed=%d", r.Replayed)
		}
		fmt.Fprintln(w)
		if len(r.Missing) > 0 {
			fmt.Fprintf(w, "  missing from index: %v\n", r.Missing)
		}
	}
	return nil
}

// WriteAggregateResults writes one line per aggregated edge.
func WriteAggregateResults(w io.Writer, results []*aggregate.Result, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"results": results})
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "nothing to aggregate")
		return nil
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s -> %s: scanned=%d copied=%d linked=%d ids=[%d,%d] in %s\n",
			r.Child, r.Parent, r.Scanned, r.Copied, r.Linked, r.FromID, r.ToID, r.Duration.Round(time.Millisecond))
	}
	return nil
}

// LevelEntry is one line of a level listing.
type LevelEntry struct {
	Path     string   `json:"path"`
	Dir      string   `json:"dir"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
}

// WriteLevels writes a level listing, indented by depth.
func WriteLevels(w io.Writer, root string, entries []LevelEntry, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"root": root, "levels": entries})
	}
	fmt.Fprintf(w, "root: %s\n", root)
	depth := make(map[string]int, len(entries))
	for _, e := range entries {
		d := 0
		if e.Parent != "" {
			d = depth[e.Parent] + 1
		}
		depth[e.Path] = d
		fmt.Fprintf(w, "%*s%s\n", 2*d+2, "", e.Path)
	}
	return nil
}

// WriteStatus writes per-level status.
func WriteStatus(w io.Writer, levels []*level.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"levels": levels})
	}
	for i, s := range levels {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "level:            %s\n", s.Name)
		fmt.Fprintf(w, "level id:         %s\n", s.Info.LevelID)
		fmt.Fprintf(w, "dimensions:       %d (%s)\n", s.Info.Dimensions, s.Info.Metric)
		fmt.Fprintf(w, "records:          %d (max id %d)\n", s.Count, s.MaxID)
		fmt.Fprintf(w, "index:            %s %s, %d vectors\n", s.IndexType, s.IndexState, s.IndexSize)
		fmt.Fprintf(w, "referrers:        %d\n", s.Referrers)
		fmt.Fprintf(w, "disk usage:       %s (store %s, index %s)\n", utils.FormatBytes(s.DiskUsageBytes),
			utils.FormatBytes(s.Disk.StoreBytes), utils.FormatBytes(s.Disk.IndexBytes))
		fmt.Fprintf(w, "since consolidate: %d vectors, %d batches\n", s.Consolidation.VectorsSince, s.Consolidation.BatchesSince)
	}
	return nil
}
