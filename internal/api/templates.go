package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/foxzi/bulkops/internal/models"
	"github.com/foxzi/bulkops/internal/repository"
)

// TemplateCreateRequest is the request for creating a template
type TemplateCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Body        string `json:"body"`
}

// Validate implements validation.Validatable
func (req TemplateCreateRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Name, validation.Required, validation.RuneLength(1, 100)),
		validation.Field(&req.Description, validation.RuneLength(0, 500)),
		validation.Field(&req.Body, validation.Required, validation.RuneLength(1, 4096)),
	)
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.sendQueryError(w, err)
		return
	}

	templates, total, err := s.services.Templates.List(r.Context(), models.TemplateListFilter{
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, ListResponse[models.Template]{
		Items:  templates,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateCreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendFailure(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	if err := req.Validate(); err != nil {
		var errs validation.Errors
		if errors.As(err, &errs) {
			details := make(map[string]string, len(errs))
			for field, e := range errs {
				details[field] = e.Error()
			}
			s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid template", Details: details})
			return
		}
		s.sendFailure(w, r, err)
		return
	}

	tmpl := &models.Template{Name: req.Name, Description: req.Description, Body: req.Body}
	if err := s.services.Templates.Create(r.Context(), tmpl); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.sendJSON(w, http.StatusConflict, ErrorResponse{
				Error:   "template already exists",
				Details: map[string]string{"name": req.Name},
			})
			return
		}
		s.sendFailure(w, r, err)
		return
	}

	s.logger.Info("template created", "template_id", tmpl.ID, "name", tmpl.Name)
	s.sendJSON(w, http.StatusCreated, tmpl)
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.services.Templates.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tmpl, err := s.services.Templates.GetByID(r.Context(), id)
	if err != nil {
		s.sendFailure(w, r, err)
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}

	if err := s.services.Templates.Delete(r.Context(), id); err != nil {
		s.sendFailure(w, r, err)
		return
	}

	s.logger.Info("template deleted", "template_id", id)
	w.WriteHeader(http.StatusNoContent)
}
