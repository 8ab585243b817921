package models

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery is returned for search requests that name no target.
var ErrInvalidQuery = errors.New("invalid query")

// SearchQuery is a similarity search request against one or more levels.
// Exactly one of Vector and ID must be set; ID searches with the stored vector of
// that record in the first level and excludes the record itself.
type SearchQuery struct {
	Levels        []string `json:"levels"`
	Vector        Vector   `json:"vector,omitempty"`
	ID            *uint64  `json:"id,omitempty"`
	K             int      `json:"k,omitempty"`
	IncludeVector bool     `json:"include_vector,omitempty"`
	// Distinct keeps only the closest hit per fingerprint when several levels hold
	// the same vector.
	Distinct bool `json:"distinct,omitempty"`
}

// Validate ensures the query has a target and normalizes K.
func (q *SearchQuery) Validate() error {
	if len(q.Levels) == 0 {
		return fmt.Errorf("%w: at least one level is required", ErrInvalidQuery)
	}
	if (q.Vector == nil) == (q.ID == nil) {
		return fmt.Errorf("%w: exactly one of vector or id must be set", ErrInvalidQuery)
	}
	if q.ID != nil && len(q.Levels) != 1 {
		return fmt.Errorf("%w: search by id requires exactly one level", ErrInvalidQuery)
	}
	if q.K <= 0 {
		q.K = 10
	}
	if q.K > 1000 {
		q.K = 1000
	}
	return nil
}
