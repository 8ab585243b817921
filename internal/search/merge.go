package search

import (
	"sort"

	"github.com/hyperjump/kasane/internal/models"
)

// Hit is an unresolved neighbour from one level.
type Hit struct {
	Level    string
	ID       uint64
	Distance float32
}

// Merge combines per-level neighbour lists into one list ordered by distance. Ties
// break by level path then id so results are stable across runs.
func Merge(perLevel map[string][]models.Neighbor) []Hit {
	n := 0
	for _, ns := range perLevel {
		n += len(ns)
	}
	hits := make([]Hit, 0, n)
	for lvl, ns := range perLevel {
		for _, nb := range ns {
			hits = append(hits, Hit{Level: lvl, ID: nb.ID, Distance: nb.Distance})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		if hits[i].Level != hits[j].Level {
			return hits[i].Level < hits[j].Level
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

// exclude drops the hit naming ref.
func exclude(hits []Hit, ref *models.RecordRef) []Hit {
	if ref == nil {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Level == ref.Level && h.ID == ref.ID {
			continue
		}
		out = append(out, h)
	}
	return out
}
