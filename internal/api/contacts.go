package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/bulkops/internal/models"
)

// handleListContacts handles GET /api/v1/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.sendQueryError(w, err)
		return
	}
	createdAfter, err := queryTime(r, "created_after")
	if err != nil {
		s.sendQueryError(w, err)
		return
	}

	contacts, total, err := s.services.Contacts.List(r.Context(), models.ContactFilter{
		Tags:         queryList(r, "tag"),
		Source:       strings.TrimSpace(r.URL.Query().Get("source")),
		CreatedAfter: createdAfter,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ListResponse[models.Contact]{
		Items:  contacts,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleGetContact handles GET /api/v1/contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.services.Contacts.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	if contact == nil {
		s.sendError(w, http.StatusNotFound, "contact not found")
		return
	}
	s.sendJSON(w, http.StatusOK, contact)
}
