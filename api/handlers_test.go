/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Login and bearer-token enforcement
- Branch isolation of every record type
- Status mapping: 400 validation, 404 unknown id, 502 store failure
- Absence import, bulk delete and notification flows end to end
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/megaformation/attendance-hub/attendance"
	"github.com/megaformation/attendance-hub/notify"
	"github.com/megaformation/attendance-hub/sheet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router  *chi.Mux
	handler *Handler
	backend *sheet.Memory
}

func setupTestServer(t *testing.T) *testServer {
	backend := sheet.NewMemory()
	store := sheet.NewStore(backend, sheet.Options{
		Retry: sheet.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond, Multiplier: 2},
	})
	composer := notify.NewComposer("", "")
	repo := attendance.NewRepository(store, attendance.WithPhoneNormalizer(composer.NormalizePhone))
	require.NoError(t, repo.EnsureSchema(context.Background()))

	hash, err := bcrypt.GenerateFromPassword([]byte("bz-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	branches := []BranchDTO{{Code: "MB", Name: "Menzel Bourguiba"}, {Code: "BZ", Name: "Bizerte"}}
	auth := NewAuthenticator("test-secret", time.Hour,
		map[string]string{"MB": "Menzel Bourguiba", "BZ": "Bizerte"},
		map[string]string{"BZ": string(hash), "MB": "mb-plain"},
		nil)
	h := NewHandler(repo, notify.NewService(repo, composer), auth, branches, nil)
	return &testServer{router: NewRouter(h, RouterOptions{}), handler: h, backend: backend}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, branch, password string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Branch: branch, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createTrainee(t *testing.T, token, name, phone, specialty string) TraineeDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/trainees", token, attendance.TraineeInput{Name: name, Phone: phone, Specialty: specialty})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[TraineeDTO](t, rec)
}

func (s *testServer) createSubject(t *testing.T, token, name string, total int64, specialty string) SubjectDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/subjects", token, map[string]any{
		"name": name, "specialties": []string{specialty}, "total_hours": total, "weekly_hours": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[SubjectDTO](t, rec)
}

func (s *testServer) createAbsence(t *testing.T, token, traineeID, subjectID, date string, hours float64) AbsenceDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/absences", token, map[string]any{
		"trainee_id": traineeID, "subject_id": subjectID, "date": date, "hours": hours,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[AbsenceDTO](t, rec)
}

// =============================================================================
// AUTH TESTS
// =============================================================================

func TestHealthAndBranchesArePublic(t *testing.T) {
	s := setupTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)

	rec := s.do(t, http.MethodGet, "/api/branches", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]BranchDTO](t, rec), 2)
}

func TestLogin(t *testing.T) {
	// GIVEN: BZ has a bcrypt password, MB a plain one
	// WHEN: Logging in with right and wrong passwords
	// THEN: Right ones get a token, wrong ones 401, unknown branch 400

	s := setupTestServer(t)

	assert.NotEmpty(t, s.login(t, "BZ", "bz-secret"))
	assert.NotEmpty(t, s.login(t, "MB", "mb-plain"))

	rec := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Branch: "BZ", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Branch: "TN", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s := setupTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/trainees", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/trainees", "garbage", nil).Code)
}

// =============================================================================
// TRAINEE / SUBJECT TESTS
// =============================================================================

func TestCreateTrainee_ValidationIs400WithFields(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")

	rec := s.do(t, http.MethodPost, "/api/trainees", token, attendance.TraineeInput{Name: "Amine"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	fields := []string{}
	for _, f := range resp.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"phone", "specialty"}, fields)
}

func TestTrainees_BranchIsolation(t *testing.T) {
	// GIVEN: A trainee created in Bizerte
	// WHEN: Menzel Bourguiba lists, edits or deletes it
	// THEN: It is invisible there and edits answer 404

	s := setupTestServer(t)
	bz := s.login(t, "BZ", "bz-secret")
	mb := s.login(t, "MB", "mb-plain")

	tr := s.createTrainee(t, bz, "Amine", "12 345 678", "Anglais A2")
	assert.Equal(t, "Bizerte", tr.Branch)
	assert.Equal(t, "21612345678", tr.Phone)

	rec := s.do(t, http.MethodGet, "/api/trainees", mb, nil)
	assert.Empty(t, decodeBody[[]TraineeDTO](t, rec))

	rec = s.do(t, http.MethodPatch, "/api/trainees/"+tr.ID, mb, map[string]string{"name": "X"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/trainees/"+tr.ID, mb, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/trainees/"+tr.ID, bz, map[string]string{"name": "Amine B."})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Amine B.", decodeBody[TraineeDTO](t, rec).Name)
}

func TestUnknownIDIs404(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")

	for _, path := range []string{"/api/trainees/nope", "/api/subjects/nope", "/api/absences/nope"} {
		rec := s.do(t, http.MethodDelete, path, token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestTraineeSubjects(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	tr := s.createTrainee(t, token, "Amine", "12345678", "Anglais A2")
	s.createSubject(t, token, "Grammaire", 40, "Anglais A2")
	s.createSubject(t, token, "Réseaux", 40, "Informatique")

	rec := s.do(t, http.MethodGet, "/api/trainees/"+tr.ID+"/subjects", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subjects := decodeBody[[]SubjectDTO](t, rec)
	require.Len(t, subjects, 1)
	assert.Equal(t, "Grammaire", subjects[0].Name)
	assert.Equal(t, "4", subjects[0].Limit.String())
}

func TestDeleteBranchSubjects_NeedsConfirm(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	s.createSubject(t, token, "Grammaire", 40, "Anglais A2")
	s.createSubject(t, token, "Oral", 30, "Anglais A2")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/api/subjects", token, nil).Code)

	rec := s.do(t, http.MethodDelete, "/api/subjects?confirm=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[CountResponse](t, rec).Deleted)
}

// =============================================================================
// ABSENCE TESTS
// =============================================================================

func TestAbsences_CreateFilterAndBulkDelete(t *testing.T) {
	// GIVEN: Three absences in January and one in February
	// WHEN: Listed with a range filter, then bulk-deleted for January
	// THEN: Filters apply and exactly the January rows are removed

	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	tr := s.createTrainee(t, token, "Amine", "12345678", "Anglais A2")
	sub := s.createSubject(t, token, "Grammaire", 40, "Anglais A2")
	for _, d := range []string{"2024-01-05", "2024-01-12", "2024-01-31", "2024-02-01"} {
		s.createAbsence(t, token, tr.ID, sub.ID, d, 1.5)
	}

	rec := s.do(t, http.MethodGet, "/api/absences?from=2024-01-10&to=2024-01-31", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]AbsenceDTO](t, rec)
	require.Len(t, listed, 2)
	assert.Equal(t, "2024-01-31", listed[0].Date, "newest first")
	assert.Equal(t, "Grammaire", listed[0].SubjectName)

	rec = s.do(t, http.MethodPost, "/api/absences/bulk-delete", token, map[string]string{
		"trainee_id": tr.ID, "from": "2024-01-01", "to": "2024-01-31",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeBody[CountResponse](t, rec).Deleted)

	rec = s.do(t, http.MethodGet, "/api/absences", token, nil)
	assert.Len(t, decodeBody[[]AbsenceDTO](t, rec), 1)
}

func TestCreateAbsence_OtherBranchTraineeRejected(t *testing.T) {
	s := setupTestServer(t)
	bz := s.login(t, "BZ", "bz-secret")
	mb := s.login(t, "MB", "mb-plain")
	tr := s.createTrainee(t, bz, "Amine", "12345678", "Anglais A2")
	sub := s.createSubject(t, mb, "Grammaire", 40, "Anglais A2")

	rec := s.do(t, http.MethodPost, "/api/absences", mb, map[string]any{
		"trainee_id": tr.ID, "subject_id": sub.ID, "date": "2024-01-05", "hours": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAbsence(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	tr := s.createTrainee(t, token, "Amine", "12345678", "Anglais A2")
	sub := s.createSubject(t, token, "Grammaire", 40, "Anglais A2")
	a := s.createAbsence(t, token, tr.ID, sub.ID, "2024-01-05", 2)

	rec := s.do(t, http.MethodPatch, "/api/absences/"+a.ID, token, map[string]any{"justified": true, "hours": "3.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[AbsenceDTO](t, rec)
	assert.True(t, got.Justified)
	assert.Equal(t, "3.5", got.Hours.String())

	rec = s.do(t, http.MethodPatch, "/api/absences/"+a.ID, token, map[string]any{"subject_id": "unknown"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportAbsences_Multipart(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "absences.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("trainee_id,subject_id,date,heures_absence\nt1,s1,2024-01-05,2\nt1,s1,bad,2\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/absences/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, attendance.ImportResult{Imported: 1, Skipped: 1}, decodeBody[attendance.ImportResult](t, rec))
}

func TestImportTemplate(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")

	rec := s.do(t, http.MethodGet, "/api/absences/import/template", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\ufefftrainee_id,"))
}

func TestStoreFailureIs502(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	s.handler.Repo.Refresh()
	s.backend.FailNext(sheet.OpReadAll, 1, http.StatusForbidden)

	rec := s.do(t, http.MethodGet, "/api/trainees", token, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "403")
}

// =============================================================================
// NOTIFICATION TESTS
// =============================================================================

func TestNotifyTrainee_ReadyAndNoData(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	tr := s.createTrainee(t, token, "Amine", "12345678", "Anglais A2")
	sub := s.createSubject(t, token, "Grammaire", 40, "Anglais A2")
	s.createAbsence(t, token, tr.ID, sub.ID, "2024-01-05", 2)

	rec := s.do(t, http.MethodPost, "/api/notifications/trainee/"+tr.ID, token, NotifyTraineeRequest{
		Period: PeriodRequest{Type: "month", Date: "2024-01-20"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	n := decodeBody[notify.Notification](t, rec)
	assert.Equal(t, notify.StatusReady, n.Status)
	assert.True(t, strings.HasPrefix(n.Link, "https://wa.me/21612345678?text="))

	rec = s.do(t, http.MethodPost, "/api/notifications/trainee/"+tr.ID, token, NotifyTraineeRequest{
		Target: "parent", Period: PeriodRequest{Type: "day", Date: "2024-01-05"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, notify.StatusNoPhone, decodeBody[notify.Notification](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/notifications/trainee/"+tr.ID, token, NotifyTraineeRequest{
		Period: PeriodRequest{Type: "week", Date: "2024-03-04"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, notify.StatusNoData, decodeBody[notify.Notification](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/notifications/log", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	log := decodeBody[[]NotificationLogDTO](t, rec)
	require.Len(t, log, 1)
	assert.Equal(t, "من 2024-01-01 إلى 2024-01-31 (شهر كامل)", log[0].PeriodLabel)
	assert.Equal(t, "Amine", log[0].TraineeName)
}

func TestNotifyTrainee_BadInput(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	tr := s.createTrainee(t, token, "Amine", "12345678", "Anglais A2")

	rec := s.do(t, http.MethodPost, "/api/notifications/trainee/"+tr.ID, token, NotifyTraineeRequest{
		Period: PeriodRequest{Type: "custom", Date: "2024-02-01", To: "2024-01-01"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/notifications/trainee/"+tr.ID, token, NotifyTraineeRequest{
		Period: PeriodRequest{Type: "custom", Date: "2024-02-01"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "to", resp.Fields[0].Field, "a custom period without an end is a missing field")

	rec = s.do(t, http.MethodPost, "/api/notifications/trainee/"+tr.ID, token, NotifyTraineeRequest{
		Target: "uncle", Period: PeriodRequest{Type: "day", Date: "2024-01-05"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/notifications/trainee/unknown", token, NotifyTraineeRequest{
		Period: PeriodRequest{Type: "day", Date: "2024-01-05"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExceeded_ReportAndNotify(t *testing.T) {
	// GIVEN: The threshold-edges scenario
	// WHEN: The exceeded report and notices are requested
	// THEN: Sarra and Hédi are over the limit; Hédi has no phone and is skipped

	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", token, LoadScenarioRequest{ScenarioID: "threshold-edges"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/reports/exceeded", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[[]TraineeExcessDTO](t, rec)
	names := []string{}
	for _, te := range report {
		names = append(names, te.Trainee.Name)
	}
	assert.ElementsMatch(t, []string{"Sarra Trabelsi", "Hédi Mansour"}, names)

	rec = s.do(t, http.MethodPost, "/api/notifications/exceeded", token, NotifyExceededRequest{RemedialLabel: "أوت"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[notify.ExceededResult](t, rec)
	require.Len(t, res.Sent, 1)
	assert.Equal(t, "Sarra Trabelsi", res.Sent[0].TraineeName)
	assert.Equal(t, 2, res.Sent[0].SubjectCount)
	assert.Equal(t, 1, res.SkippedNoPhone)
	assert.True(t, res.Sent[0].Logged, "logging is on unless write_log is false")

	rec = s.do(t, http.MethodGet, "/api/notifications/log", token, nil)
	log := decodeBody[[]NotificationLogDTO](t, rec)
	require.Len(t, log, 1)
	assert.Equal(t, "تجاوز 10٪ (مجمّع) + تدارك أوت", log[0].PeriodLabel)

	rec = s.do(t, http.MethodPost, "/api/notifications/exceeded", token, NotifyExceededRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "remedial label is required")
}

func TestNotifyExceeded_WriteLogFalseSkipsLog(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", token, LoadScenarioRequest{ScenarioID: "threshold-edges"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/notifications/exceeded", token,
		map[string]any{"remedial_label": "جويلية", "write_log": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[notify.ExceededResult](t, rec).Sent, 1)

	rec = s.do(t, http.MethodGet, "/api/notifications/log", token, nil)
	assert.Empty(t, decodeBody[[]NotificationLogDTO](t, rec))
}

func TestNotifyExceeded_RemedialSessionMustBeKnown(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")

	rec := s.do(t, http.MethodPost, "/api/notifications/exceeded", token, NotifyExceededRequest{RemedialLabel: "samedi"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "remedial_label", resp.Fields[0].Field)
}

func TestNotifyBatch(t *testing.T) {
	s := setupTestServer(t)
	token := s.login(t, "BZ", "bz-secret")
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", token, LoadScenarioRequest{ScenarioID: "threshold-edges"})
	require.Equal(t, http.StatusOK, rec.Code)

	today := attendance.Today()
	rec = s.do(t, http.MethodPost, "/api/notifications/batch", token, NotifyBatchRequest{
		Specialty: "Anglais A2",
		Period: PeriodRequest{
			Type: "custom",
			Date: today.AddDate(0, 0, -30).Format(attendance.DateLayout),
			To:   today.Format(attendance.DateLayout),
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[BatchResponse](t, rec)
	assert.Len(t, res.Sent, 2, "Amine and Sarra")
	assert.Equal(t, 1, res.SkippedNoPhone, "Hédi")
	assert.NotEmpty(t, res.Period)
}
