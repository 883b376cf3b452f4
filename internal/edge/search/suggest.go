// Package search produces the local query suggestions shown under the
// search box. It never calls the backend.
package search

import (
	"encoding/json"
	"net/http"
	"strings"
)

// PlayURLSuggestion is offered when the query looks like a link.
const PlayURLSuggestion = "Play this URL"

var suffixes = []string{" - Official Video", " - Audio", " - Live Performance"}

// Suggestions returns the suggestion list for query. An empty query yields
// an empty, non-nil list.
func Suggestions(query string) []string {
	if query == "" {
		return []string{}
	}
	if strings.HasPrefix(query, "http") {
		return []string{PlayURLSuggestion}
	}
	out := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		out = append(out, query+s)
	}
	return out
}

// Handler serves GET /search/suggestions?query=.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Suggestions(r.URL.Query().Get("query")))
}
