package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"clipvault/internal/auth"
	"clipvault/internal/snippet"
)

// acceptRequest is the body of POST /api/v1/snippets.
type acceptRequest struct {
	Content   string `json:"content"`
	SourceURL string `json:"sourceUrl"`
}

// snippetResponse is the wire shape of a snippet. Content is empty on
// accept and in listings where the snippet is still being persisted.
type snippetResponse struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	SourceURL *string   `json:"sourceUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toSnippetResponse(it *snippet.Item) snippetResponse {
	resp := snippetResponse{
		ID:        it.ID,
		Content:   it.Content,
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
	}
	if it.SourceURL != "" {
		resp.SourceURL = &it.SourceURL
	}
	return resp
}

// owner pulls the authenticated identity out of the request context.
// requireAuth guarantees it is present on these routes.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	ident, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
	}
	return ident, ok
}

// snippetID parses the {id} path segment. Malformed ids read as a
// snippet that does not exist.
func snippetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, snippet.ErrNotFound.Error())
		return 0, false
	}
	return id, true
}

// acceptBodyLimit bounds the accept request body. Doubling the content
// cap leaves room for JSON escaping; the slack covers the envelope and
// the source URL.
func (s *Server) acceptBodyLimit() int64 {
	return 2*s.limits.MaxSnippetBytes + int64(s.limits.MaxSourceURLBytes) + 4096
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.owner(w, r)
	if !ok {
		return
	}

	var req acceptRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.acceptBodyLimit())
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	item, err := s.svc.Accept(r.Context(), ident.UserID, []byte(req.Content), req.SourceURL)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnippetResponse(item))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.owner(w, r)
	if !ok {
		return
	}

	items, err := s.svc.FetchRecent(r.Context(), ident.UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]snippetResponse, 0, len(items))
	for i := range items {
		out = append(out, toSnippetResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.owner(w, r)
	if !ok {
		return
	}
	id, ok := snippetID(w, r)
	if !ok {
		return
	}

	item, err := s.svc.FetchOne(r.Context(), ident.UserID, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnippetResponse(item))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.owner(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("query")
	items, err := s.svc.Search(r.Context(), ident.UserID, []byte(query))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]snippetResponse, 0, len(items))
	for i := range items {
		out = append(out, toSnippetResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.owner(w, r)
	if !ok {
		return
	}
	id, ok := snippetID(w, r)
	if !ok {
		return
	}

	if err := s.svc.Delete(r.Context(), ident.UserID, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.owner(w, r)
	if !ok {
		return
	}
	id, ok := snippetID(w, r)
	if !ok {
		return
	}

	if err := s.svc.Touch(r.Context(), ident.UserID, id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
