package models

// Neighbor is one ANN hit: the record id within its level and the distance to the query.
type Neighbor struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

// SearchResult is a resolved hit.
type SearchResult struct {
	Level       string  `json:"level"`
	ID          uint64  `json:"id"`
	Distance    float32 `json:"distance"`
	Fingerprint string  `json:"fingerprint"`
	Vector      Vector  `json:"vector,omitempty"`
	Rank        int     `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	// Missing lists hits returned by an index but absent from the store. Non-empty
	// means the level needs a consistency check.
	Missing []RecordRef `json:"missing,omitempty"`
}

// RecordRef names a record within a level.
type RecordRef struct {
	Level string `json:"level"`
	ID    uint64 `json:"id"`
}
