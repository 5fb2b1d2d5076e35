package provider

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(q) > 200 {
		writeError(w, http.StatusBadRequest, "query is too long")
		return
	}

	limitStr := r.URL.Query().Get("limit")
	limit := 10
	if limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 && v <= 25 {
			limit = v
		}
	}

	key := searchCacheKey(q, limit)
	if s.rdb != nil {
		if cached, err := s.rdb.Get(r.Context(), key).Result(); err == nil {
			var items []SearchItem
			if json.Unmarshal([]byte(cached), &items) == nil {
				writeJSON(w, http.StatusOK, map[string]any{"items": items})
				return
			}
		}
	}

	items, err := s.search.SearchTracks(r.Context(), q, limit)
	if err != nil {
		// upstream catalog error
		writeError(w, http.StatusBadGateway, "failed to query provider")
		return
	}

	if s.rdb != nil {
		if raw, err := json.Marshal(items); err == nil {
			if err := s.rdb.Set(r.Context(), key, raw, s.cacheTTL).Err(); err != nil {
				log.Printf("room-service: cache search %q: %v", q, err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func searchCacheKey(query string, limit int) string {
	return fmt.Sprintf("search:%d:%s", limit, strings.ToLower(query))
}
