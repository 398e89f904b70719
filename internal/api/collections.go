package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strandlabs/strand/internal/model"
)

type collectionResponse struct {
	Path    string          `json:"path"`
	State   string          `json:"state"`
	Total   int             `json:"total"`
	Records []*model.Record `json:"records"`
}

func (s *Server) handleListCollections(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Paths())
}

// handleGetCollection returns a paginated snapshot of one collection. The
// sequence and load state come from a single observation, so a caller never
// sees a length that contradicts the state.
func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "collection path is required")
		return
	}

	limit := parseIntQuery(r, "limit", 100)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid pagination parameters")
		return
	}

	records, state := s.app.Collection(path).Snapshot()
	total := len(records)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	s.writeJSON(w, http.StatusOK, collectionResponse{
		Path:    path,
		State:   state,
		Total:   total,
		Records: records[offset:end],
	})
}
