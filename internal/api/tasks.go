package api

import (
	"net/http"
	"sort"
)

type taskClassResponse struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
}

// handleListTasks returns every registered task class with its remotely
// callable method surface.
func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	var out []taskClassResponse
	for _, name := range s.registry.List() {
		def, err := s.registry.Resolve(name)
		if err != nil {
			continue
		}
		methods := make([]string, 0, len(def.Methods))
		for m := range def.Methods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		out = append(out, taskClassResponse{Name: name, Methods: methods})
	}
	s.writeJSON(w, http.StatusOK, out)
}
