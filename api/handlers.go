/*
handlers.go - HTTP API handlers for the attendance hub

PURPOSE:
  Exposes the attendance repository and the notification workflows over
  REST. Handles HTTP request/response, JSON serialization, and delegates to
  the attendance and notify packages.

ENDPOINTS:
  Trainees:
    GET    /api/trainees                 List branch trainees (?specialty=)
    POST   /api/trainees                 Register a trainee
    PATCH  /api/trainees/{id}            Edit fields
    DELETE /api/trainees/{id}            Remove (absences are kept)
    GET    /api/trainees/{id}/subjects   Subjects of the trainee's specialty

  Subjects:
    GET    /api/subjects                 List branch subjects
    POST   /api/subjects                 Create
    DELETE /api/subjects?confirm=true    Remove every branch subject
    PATCH  /api/subjects/{id}            Edit fields
    DELETE /api/subjects/{id}            Remove one

  Absences:
    GET    /api/absences                 List (?trainee_id= &subject_id= &from= &to=)
    POST   /api/absences                 Record one absence
    PATCH  /api/absences/{id}            Edit fields
    DELETE /api/absences/{id}            Remove one
    POST   /api/absences/bulk-delete     Remove by range + optional trainee/subject
    POST   /api/absences/import          Multipart "file" (.csv / .xlsx)
    GET    /api/absences/import/template CSV header template

  Reports and notifications:
    GET    /api/reports/exceeded
    POST   /api/notifications/trainee/{id}
    POST   /api/notifications/batch
    POST   /api/notifications/exceeded
    GET    /api/notifications/log

BRANCH SCOPING:
  The branch always comes from the session token. A record of another
  branch answers 404 exactly like a missing one.

ERROR HANDLING:
  - 400: Validation errors, invalid input (with per-field details)
  - 401: Missing or invalid token, bad password
  - 404: Unknown id (logged as a warning)
  - 502: Record store failures
  A missing phone or an empty report is a 200 with status no_phone/no_data.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/megaformation/attendance-hub/attendance"
	"github.com/megaformation/attendance-hub/notify"
)

// maxImportSize bounds multipart uploads.
const maxImportSize = 10 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Repo     *attendance.Repository
	Notifier *notify.Service
	Auth     *Authenticator
	Branches []BranchDTO

	log *zap.Logger

	// Currently loaded scenario per branch
	mu               sync.Mutex
	currentScenarios map[string]string
}

// NewHandler creates a handler.
func NewHandler(repo *attendance.Repository, notifier *notify.Service, auth *Authenticator, branches []BranchDTO, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Repo:             repo,
		Notifier:         notifier,
		Auth:             auth,
		Branches:         branches,
		log:              log,
		currentScenarios: make(map[string]string),
	}
}

// branch returns the stored branch value of the session: the display name
// of the token's branch code.
func (h *Handler) branch(r *http.Request) string {
	code := BranchFrom(r.Context())
	for _, b := range h.Branches {
		if b.Code == code {
			return b.Name
		}
	}
	return code
}

// =============================================================================
// PUBLIC HANDLERS
// =============================================================================

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListBranches returns the configured branches.
func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Branches)
}

// Login exchanges a branch password for a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	if err := attendance.Validate(req); err != nil {
		h.fail(w, "Invalid login request", err)
		return
	}

	token, expires, err := h.Auth.Login(req.Branch, req.Password)
	switch {
	case errors.Is(err, ErrUnknownBranch):
		writeError(w, http.StatusBadRequest, "Unknown branch", err)
		return
	case err != nil:
		writeError(w, http.StatusUnauthorized, "Invalid password", err)
		return
	}

	resp := LoginResponse{Token: token, Branch: req.Branch, ExpiresAt: expires.UTC().Format(time.RFC3339)}
	for _, b := range h.Branches {
		if b.Code == req.Branch {
			resp.Name = b.Name
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Refresh drops cached reads so the next request sees external edits.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.Repo.Refresh()
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// =============================================================================
// TRAINEE HANDLERS
// =============================================================================

// ListTrainees returns the branch trainees, optionally of one specialty.
func (h *Handler) ListTrainees(w http.ResponseWriter, r *http.Request) {
	trainees, err := h.Repo.ListTrainees(r.Context(), h.branch(r))
	if err != nil {
		h.fail(w, "Failed to list trainees", err)
		return
	}
	specialty := r.URL.Query().Get("specialty")

	dtos := []TraineeDTO{}
	for _, t := range trainees {
		if specialty != "" && t.Specialty != specialty {
			continue
		}
		dtos = append(dtos, toTraineeDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTrainee registers a trainee in the session branch.
func (h *Handler) CreateTrainee(w http.ResponseWriter, r *http.Request) {
	var in attendance.TraineeInput
	if !decode(w, r, &in) {
		return
	}
	t, err := h.Repo.CreateTrainee(r.Context(), h.branch(r), in)
	if err != nil {
		h.fail(w, "Failed to create trainee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTraineeDTO(t))
}

// UpdateTrainee edits a trainee.
func (h *Handler) UpdateTrainee(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in attendance.TraineeUpdate
	if !decode(w, r, &in) {
		return
	}
	if _, err := h.ownTrainee(r, id); err != nil {
		h.fail(w, "Trainee not found", err)
		return
	}
	if err := h.Repo.UpdateTrainee(r.Context(), id, in); err != nil {
		h.fail(w, "Failed to update trainee", err)
		return
	}
	t, err := h.Repo.GetTrainee(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to reload trainee", err)
		return
	}
	writeJSON(w, http.StatusOK, toTraineeDTO(t))
}

// DeleteTrainee removes a trainee. Their absences stay.
func (h *Handler) DeleteTrainee(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.ownTrainee(r, id); err != nil {
		h.fail(w, "Trainee not found", err)
		return
	}
	if err := h.Repo.DeleteTrainee(r.Context(), id); err != nil {
		h.fail(w, "Failed to delete trainee", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// TraineeSubjects lists the subjects of the trainee's specialty.
func (h *Handler) TraineeSubjects(w http.ResponseWriter, r *http.Request) {
	t, err := h.ownTrainee(r, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Trainee not found", err)
		return
	}
	subjects, err := h.Repo.SubjectsForTrainee(r.Context(), t)
	if err != nil {
		h.fail(w, "Failed to list subjects", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubjectDTOs(subjects))
}

func (h *Handler) ownTrainee(r *http.Request, id string) (attendance.Trainee, error) {
	t, err := h.Repo.GetTrainee(r.Context(), id)
	if err != nil {
		return attendance.Trainee{}, err
	}
	if t.Branch != h.branch(r) {
		return attendance.Trainee{}, errors.Wrapf(attendance.ErrNotFound, "trainee %s", id)
	}
	return t, nil
}

// =============================================================================
// SUBJECT HANDLERS
// =============================================================================

// ListSubjects returns the branch subjects.
func (h *Handler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.Repo.ListSubjects(r.Context(), h.branch(r))
	if err != nil {
		h.fail(w, "Failed to list subjects", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubjectDTOs(subjects))
}

// CreateSubject adds a subject to the session branch.
func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var in attendance.SubjectInput
	if !decode(w, r, &in) {
		return
	}
	s, err := h.Repo.CreateSubject(r.Context(), h.branch(r), in)
	if err != nil {
		h.fail(w, "Failed to create subject", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubjectDTO(s))
}

// UpdateSubject edits a subject.
func (h *Handler) UpdateSubject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in attendance.SubjectUpdate
	if !decode(w, r, &in) {
		return
	}
	if _, err := h.ownSubject(r, id); err != nil {
		h.fail(w, "Subject not found", err)
		return
	}
	if err := h.Repo.UpdateSubject(r.Context(), id, in); err != nil {
		h.fail(w, "Failed to update subject", err)
		return
	}
	s, err := h.ownSubject(r, id)
	if err != nil {
		h.fail(w, "Failed to reload subject", err)
		return
	}
	writeJSON(w, http.StatusOK, toSubjectDTO(s))
}

// DeleteSubject removes one subject by id.
func (h *Handler) DeleteSubject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.ownSubject(r, id); err != nil {
		h.fail(w, "Subject not found", err)
		return
	}
	if err := h.Repo.DeleteSubject(r.Context(), id); err != nil {
		h.fail(w, "Failed to delete subject", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// DeleteBranchSubjects removes every subject of the branch. Requires
// ?confirm=true.
func (h *Handler) DeleteBranchSubjects(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "Deleting every subject requires confirm=true", nil)
		return
	}
	n, err := h.Repo.DeleteBranchSubjects(r.Context(), h.branch(r))
	if err != nil {
		h.fail(w, "Failed to delete subjects", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Deleted: n})
}

// ListSpecialties returns the known specialties.
func (h *Handler) ListSpecialties(w http.ResponseWriter, r *http.Request) {
	specialties, err := h.Repo.Specialties(r.Context(), "")
	if err != nil {
		h.fail(w, "Failed to list specialties", err)
		return
	}
	writeJSON(w, http.StatusOK, specialties)
}

func (h *Handler) ownSubject(r *http.Request, id string) (attendance.Subject, error) {
	subjects, err := h.Repo.ListSubjects(r.Context(), h.branch(r))
	if err != nil {
		return attendance.Subject{}, err
	}
	for _, s := range subjects {
		if s.ID == id {
			return s, nil
		}
	}
	return attendance.Subject{}, errors.Wrapf(attendance.ErrNotFound, "subject %s", id)
}

func toSubjectDTOs(subjects []attendance.Subject) []SubjectDTO {
	dtos := make([]SubjectDTO, len(subjects))
	for i, s := range subjects {
		dtos[i] = toSubjectDTO(s)
	}
	return dtos
}

// =============================================================================
// ABSENCE HANDLERS
// =============================================================================

// ListAbsences returns the branch absences, newest first.
func (h *Handler) ListAbsences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var period *attendance.Period
	if from, to := q.Get("from"), q.Get("to"); from != "" || to != "" {
		p, err := parseRange(from, to)
		if err != nil {
			h.fail(w, "Invalid date range", err)
			return
		}
		period = &p
	}

	views, err := h.Repo.BranchAbsences(r.Context(), h.branch(r))
	if err != nil {
		h.fail(w, "Failed to list absences", err)
		return
	}

	traineeID, subjectID := q.Get("trainee_id"), q.Get("subject_id")
	dtos := []AbsenceDTO{}
	for _, v := range views {
		if traineeID != "" && v.TraineeID != traineeID {
			continue
		}
		if subjectID != "" && v.SubjectID != subjectID {
			continue
		}
		if period != nil && !period.Contains(v.Date) {
			continue
		}
		dtos = append(dtos, toAbsenceViewDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAbsence records one absence.
func (h *Handler) CreateAbsence(w http.ResponseWriter, r *http.Request) {
	var in attendance.AbsenceInput
	if !decode(w, r, &in) {
		return
	}
	a, err := h.Repo.CreateAbsence(r.Context(), h.branch(r), in)
	if err != nil {
		h.fail(w, "Failed to record absence", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAbsenceDTO(a))
}

// UpdateAbsence edits an absence.
func (h *Handler) UpdateAbsence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in attendance.AbsenceUpdate
	if !decode(w, r, &in) {
		return
	}
	current, err := h.ownAbsence(r, id)
	if err != nil {
		h.fail(w, "Absence not found", err)
		return
	}
	if in.SubjectID != nil {
		if err := h.Repo.CheckReferences(r.Context(), h.branch(r), current.TraineeID, *in.SubjectID); err != nil {
			h.fail(w, "Unknown subject", err)
			return
		}
	}
	if err := h.Repo.UpdateAbsence(r.Context(), id, in); err != nil {
		h.fail(w, "Failed to update absence", err)
		return
	}
	updated, err := h.ownAbsence(r, id)
	if err != nil {
		h.fail(w, "Failed to reload absence", err)
		return
	}
	writeJSON(w, http.StatusOK, toAbsenceViewDTO(updated))
}

// DeleteAbsence removes one absence.
func (h *Handler) DeleteAbsence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.ownAbsence(r, id); err != nil {
		h.fail(w, "Absence not found", err)
		return
	}
	if err := h.Repo.DeleteAbsence(r.Context(), id); err != nil {
		h.fail(w, "Failed to delete absence", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// BulkDeleteAbsences removes every branch absence in a date range,
// optionally narrowed to one trainee and one subject.
func (h *Handler) BulkDeleteAbsences(w http.ResponseWriter, r *http.Request) {
	var f attendance.BulkDeleteFilter
	if !decode(w, r, &f) {
		return
	}
	f.Branch = h.branch(r)
	n, err := h.Repo.BulkDeleteAbsences(r.Context(), f)
	if err != nil {
		h.fail(w, "Failed to delete absences", err)
		return
	}
	h.log.Info("bulk delete", zap.String("branch", f.Branch), zap.Int("deleted", n))
	writeJSON(w, http.StatusOK, CountResponse{Deleted: n})
}

// ImportAbsences loads absences from an uploaded CSV or XLSX file.
func (h *Handler) ImportAbsences(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file field", err)
		return
	}
	defer file.Close()

	format, err := attendance.FormatFromFilename(header.Filename)
	if err != nil {
		h.fail(w, "Unsupported file type", err)
		return
	}
	res, err := h.Repo.ImportAbsences(r.Context(), file, format)
	if err != nil {
		h.fail(w, "Import failed", err)
		return
	}
	h.log.Info("absences imported",
		zap.String("branch", h.branch(r)),
		zap.String("file", header.Filename),
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped))
	writeJSON(w, http.StatusOK, res)
}

// ImportTemplate serves the CSV header template.
func (h *Handler) ImportTemplate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="modele_absences.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(attendance.ImportTemplate())
}

func (h *Handler) ownAbsence(r *http.Request, id string) (attendance.AbsenceView, error) {
	views, err := h.Repo.BranchAbsences(r.Context(), h.branch(r))
	if err != nil {
		return attendance.AbsenceView{}, err
	}
	for _, v := range views {
		if v.ID == id {
			return v, nil
		}
	}
	return attendance.AbsenceView{}, errors.Wrapf(attendance.ErrNotFound, "absence %s", id)
}

func parseRange(from, to string) (attendance.Period, error) {
	f, err := time.Parse(attendance.DateLayout, from)
	if err != nil {
		return attendance.Period{}, &attendance.ValidationError{Fields: []attendance.FieldError{{Field: "from", Rule: "datetime=2006-01-02"}}}
	}
	t, err := time.Parse(attendance.DateLayout, to)
	if err != nil {
		return attendance.Period{}, &attendance.ValidationError{Fields: []attendance.FieldError{{Field: "to", Rule: "datetime=2006-01-02"}}}
	}
	return attendance.CustomPeriod(f, t)
}

// =============================================================================
// REPORT AND NOTIFICATION HANDLERS
// =============================================================================

// ExceededReport lists branch trainees over the 10% limit.
func (h *Handler) ExceededReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	branch := h.branch(r)
	trainees, err := h.Repo.ListTrainees(ctx, branch)
	if err != nil {
		h.fail(w, "Failed to load trainees", err)
		return
	}
	subjects, err := h.Repo.ListSubjects(ctx, branch)
	if err != nil {
		h.fail(w, "Failed to load subjects", err)
		return
	}
	absences, err := h.Repo.ListAbsences(ctx)
	if err != nil {
		h.fail(w, "Failed to load absences", err)
		return
	}

	dtos := []TraineeExcessDTO{}
	for _, te := range attendance.ExceededSet(trainees, subjects, absences) {
		dtos = append(dtos, toTraineeExcessDTO(te))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// NotifyTrainee composes the period notice of one trainee.
func (h *Handler) NotifyTrainee(w http.ResponseWriter, r *http.Request) {
	var req NotifyTraineeRequest
	if !decode(w, r, &req) {
		return
	}
	target, ok := parseTarget(req.Target)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown target (use trainee or parent)", nil)
		return
	}
	period, err := req.Period.Period()
	if err != nil {
		h.fail(w, "Invalid period", err)
		return
	}

	n, err := h.Notifier.NotifyTrainee(r.Context(), h.branch(r), chi.URLParam(r, "id"), target, period)
	if err != nil {
		h.fail(w, "Failed to compose notification", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// NotifyBatch composes period notices for the branch.
func (h *Handler) NotifyBatch(w http.ResponseWriter, r *http.Request) {
	var req NotifyBatchRequest
	if !decode(w, r, &req) {
		return
	}
	target, ok := parseTarget(req.Target)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown target (use trainee or parent)", nil)
		return
	}
	period, err := req.Period.Period()
	if err != nil {
		h.fail(w, "Invalid period", err)
		return
	}

	res, err := h.Notifier.NotifyBatch(r.Context(), h.branch(r), req.Specialty, target, period)
	if err != nil {
		h.fail(w, "Failed to compose notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{BatchResult: res, Period: period.Label})
}

// NotifyExceeded composes one notice per trainee over the limit.
func (h *Handler) NotifyExceeded(w http.ResponseWriter, r *http.Request) {
	var req NotifyExceededRequest
	if !decode(w, r, &req) {
		return
	}
	target, ok := parseTarget(req.Target)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown target (use trainee or parent)", nil)
		return
	}
	if err := attendance.Validate(req); err != nil {
		h.fail(w, "Invalid request", err)
		return
	}

	res, err := h.Notifier.NotifyExceeded(r.Context(), h.branch(r), target, req.RemedialLabel, req.writeLog())
	if err != nil {
		h.fail(w, "Failed to compose notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// NotificationLog returns the branch log, newest first.
func (h *Handler) NotificationLog(w http.ResponseWriter, r *http.Request) {
	views, err := h.Repo.ListNotifications(r.Context(), h.branch(r))
	if err != nil {
		h.fail(w, "Failed to load notification log", err)
		return
	}
	dtos := make([]NotificationLogDTO, len(views))
	for i, v := range views {
		dtos[i] = toNotificationLogDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain or store error onto a status code.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	var verr *attendance.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Details: err.Error(), Fields: verr.Fields})
	case attendance.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, attendance.ErrNotFound):
		h.log.Warn("record not found", zap.String("message", message), zap.Error(err))
		writeError(w, http.StatusNotFound, message, err)
	default:
		h.log.Error("record store failure", zap.String("message", message), zap.Error(err))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("%s: record store unavailable", message), err)
	}
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}
