package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"patientsync/internal/patient/models"
	"patientsync/internal/patient/service"
	dErrors "patientsync/pkg/domain-errors"
	"patientsync/pkg/platform/httputil"
	"patientsync/pkg/requestcontext"
)

// Service defines the patient operations exposed over HTTP.
type Service interface {
	Create(ctx context.Context, req *models.CreatePatientRequest) (*models.Patient, error)
	Update(ctx context.Context, req *models.UpdatePatientRequest) (*models.Patient, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*models.Patient, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Patient, error)
}

// Handler serves the /patients resource.
type Handler struct {
	logger  *slog.Logger
	service Service
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{
		logger:  logger,
		service: svc,
	}
}

// Register mounts the patient routes on r. Cross-cutting middleware is
// applied by the caller.
func (h *Handler) Register(r chi.Router) {
	r.Route("/patients", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
}

// PatientResponse is the wire shape of a patient.
type PatientResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	Email          string `json:"email"`
	DateOfBirth    string `json:"date_of_birth"`
	RegisteredDate string `json:"registered_date"`
}

// PartialFailureResponse is returned with 502 when the patient was stored but
// a downstream step failed. Clients must not blindly retry the create.
type PartialFailureResponse struct {
	httputil.ErrorResponse
	PatientID string `json:"patient_id"`
	Stage     string `json:"stage"`
}

func toResponse(p *models.Patient) PatientResponse {
	return PatientResponse{
		ID:             p.ID.String(),
		Name:           p.Name,
		Address:        p.Address,
		Email:          p.Email,
		DateOfBirth:    p.DateOfBirth.Format(models.DateLayout),
		RegisteredDate: p.RegisteredDate.Format(models.DateLayout),
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patients, err := h.service.List(ctx)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to list patients", err)
		return
	}
	resp := make([]PatientResponse, 0, len(patients))
	for _, p := range patients {
		resp = append(resp, toResponse(p))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	patient, err := h.service.Get(ctx, id)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to get patient", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(patient))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.CreatePatientRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	patient, err := h.service.Create(ctx, req)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to create patient", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toResponse(patient))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.UpdatePatientRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	req.ID = id

	patient, err := h.service.Update(ctx, req)
	if err != nil {
		h.writeServiceError(ctx, w, "failed to update patient", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(patient))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(ctx, id); err != nil {
		h.writeServiceError(ctx, w, "failed to delete patient", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.logger.WarnContext(r.Context(), "invalid patient id",
			"request_id", requestcontext.RequestID(r.Context()),
			"id", raw,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid patient id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	requestID := requestcontext.RequestID(ctx)

	var partial *service.PartialFailure
	if errors.As(err, &partial) {
		code := dErrors.CodeOf(partial.Err)
		h.logger.ErrorContext(ctx, msg,
			"request_id", requestID,
			"patient_id", partial.PatientID,
			"stage", partial.Stage,
			"error", err,
		)
		httputil.WriteJSON(w, http.StatusBadGateway, PartialFailureResponse{
			ErrorResponse: httputil.ErrorResponse{
				Error:       string(code),
				Description: "patient was created but " + string(partial.Stage) + " provisioning failed",
			},
			PatientID: partial.PatientID.String(),
			Stage:     string(partial.Stage),
		})
		return
	}

	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, msg, "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
