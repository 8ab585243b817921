package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/models"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodeResponse decodes a 200 response into out, or turns the API error body
// into an error.
func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func searchViaHTTP(serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Post(strings.TrimRight(serverURL, "/")+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	var response models.SearchResponse
	if err := decodeResponse(resp, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Root         string          `json:"root"`
	Levels       []*level.Status `json:"levels"`
	WatchPending *int            `json:"watch_pending,omitempty"`
}

func statusViaHTTP(serverURL, levelPath string) (*statusResponse, error) {
	u := strings.TrimRight(serverURL, "/") + "/api/v1/status"
	if levelPath != "" {
		u += "?level=" + url.QueryEscape(levelPath)
	}
	resp, err := httpClient.Get(u)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	var s statusResponse
	if err := decodeResponse(resp, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
