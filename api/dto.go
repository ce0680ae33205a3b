/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Domain records in attendance carry no json
  tags; these types decouple the stored column names from the API contract.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Wrappers with counts or status

VALIDATION:
  Write inputs are attendance.*Input types decoded directly and validated
  by the repository. Request types here are validated with
  attendance.Validate before use.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/megaformation/attendance-hub/attendance"
	"github.com/megaformation/attendance-hub/notify"
)

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                  `json:"error"`
	Details string                  `json:"details,omitempty"`
	Fields  []attendance.FieldError `json:"fields,omitempty"`
}

// CountResponse reports how many rows an operation touched.
type CountResponse struct {
	Deleted int `json:"deleted"`
}

// =============================================================================
// AUTH
// =============================================================================

type LoginRequest struct {
	Branch   string `json:"branch" validate:"required"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	Branch    string `json:"branch"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expires_at"`
}

type BranchDTO struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// =============================================================================
// RECORDS
// =============================================================================

type TraineeDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	ParentPhone string `json:"parent_phone"`
	Branch      string `json:"branch"`
	Specialty   string `json:"specialty"`
	StartDate   string `json:"start_date"`
	Active      bool   `json:"active"`
}

func toTraineeDTO(t attendance.Trainee) TraineeDTO {
	return TraineeDTO{
		ID:          t.ID,
		Name:        t.Name,
		Phone:       t.Phone,
		ParentPhone: t.ParentPhone,
		Branch:      t.Branch,
		Specialty:   t.Specialty,
		StartDate:   formatDay(t.StartDate),
		Active:      t.Active,
	}
}

type SubjectDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Branch      string          `json:"branch"`
	Specialties []string        `json:"specialties"`
	TotalHours  decimal.Decimal `json:"total_hours"`
	WeeklyHours decimal.Decimal `json:"weekly_hours"`
	Limit       decimal.Decimal `json:"limit"`
}

func toSubjectDTO(s attendance.Subject) SubjectDTO {
	specialties := s.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	return SubjectDTO{
		ID:          s.ID,
		Name:        s.Name,
		Branch:      s.Branch,
		Specialties: specialties,
		TotalHours:  s.TotalHours,
		WeeklyHours: s.WeeklyHours,
		Limit:       attendance.Limit(s.TotalHours),
	}
}

type AbsenceDTO struct {
	ID          string          `json:"id"`
	TraineeID   string          `json:"trainee_id"`
	TraineeName string          `json:"trainee_name,omitempty"`
	Specialty   string          `json:"specialty,omitempty"`
	SubjectID   string          `json:"subject_id"`
	SubjectName string          `json:"subject_name,omitempty"`
	Date        string          `json:"date"`
	Hours       decimal.Decimal `json:"hours"`
	Justified   bool            `json:"justified"`
	Comment     string          `json:"comment"`
}

func toAbsenceDTO(a attendance.Absence) AbsenceDTO {
	return AbsenceDTO{
		ID:        a.ID,
		TraineeID: a.TraineeID,
		SubjectID: a.SubjectID,
		Date:      a.DateString(),
		Hours:     a.Hours,
		Justified: a.Justified,
		Comment:   a.Comment,
	}
}

func toAbsenceViewDTO(v attendance.AbsenceView) AbsenceDTO {
	dto := toAbsenceDTO(v.Absence)
	dto.TraineeName = v.TraineeName
	dto.Specialty = v.Specialty
	dto.SubjectName = v.SubjectName
	return dto
}

type NotificationLogDTO struct {
	ID          string `json:"id"`
	TraineeID   string `json:"trainee_id"`
	TraineeName string `json:"trainee_name"`
	Specialty   string `json:"specialty"`
	Phone       string `json:"phone"`
	Target      string `json:"target"`
	PeriodFrom  string `json:"period_from"`
	PeriodTo    string `json:"period_to"`
	PeriodLabel string `json:"period_label"`
	SentAt      string `json:"sent_at"`
}

func toNotificationLogDTO(v attendance.NotificationView) NotificationLogDTO {
	sentAt := ""
	if !v.SentAt.IsZero() {
		sentAt = v.SentAt.UTC().Format(time.RFC3339)
	}
	return NotificationLogDTO{
		ID:          v.ID,
		TraineeID:   v.TraineeID,
		TraineeName: v.TraineeName,
		Specialty:   v.Specialty,
		Phone:       v.Phone,
		Target:      string(v.Target),
		PeriodFrom:  v.PeriodFrom,
		PeriodTo:    v.PeriodTo,
		PeriodLabel: v.PeriodLabel,
		SentAt:      sentAt,
	}
}

// =============================================================================
// REPORTS
// =============================================================================

type SubjectExcessDTO struct {
	SubjectID   string          `json:"subject_id"`
	SubjectName string          `json:"subject_name"`
	TotalHours  decimal.Decimal `json:"total_hours"`
	TotalAbsent decimal.Decimal `json:"total_absent"`
	Limit       decimal.Decimal `json:"limit"`
	Excess      decimal.Decimal `json:"excess"`
}

type TraineeExcessDTO struct {
	Trainee  TraineeDTO         `json:"trainee"`
	Subjects []SubjectExcessDTO `json:"subjects"`
}

func toTraineeExcessDTO(te attendance.TraineeExcess) TraineeExcessDTO {
	dto := TraineeExcessDTO{Trainee: toTraineeDTO(te.Trainee), Subjects: make([]SubjectExcessDTO, len(te.Subjects))}
	for i, s := range te.Subjects {
		dto.Subjects[i] = SubjectExcessDTO(s)
	}
	return dto
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// PeriodRequest selects a notification period. Date is the day, the week
// start or any day of the month; To is required for custom periods and
// ignored otherwise.
type PeriodRequest struct {
	Type string `json:"type" validate:"required,oneof=day week month custom"`
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	To   string `json:"to" validate:"required_if=Type custom,omitempty,datetime=2006-01-02"`
}

func (p PeriodRequest) Period() (attendance.Period, error) {
	if err := attendance.Validate(p); err != nil {
		return attendance.Period{}, err
	}
	ref, _ := time.Parse(attendance.DateLayout, p.Date)
	var to time.Time
	if p.To != "" {
		to, _ = time.Parse(attendance.DateLayout, p.To)
	}
	return attendance.NewPeriod(attendance.PeriodType(p.Type), ref, to)
}

type NotifyTraineeRequest struct {
	Target string        `json:"target"`
	Period PeriodRequest `json:"period"`
}

type NotifyBatchRequest struct {
	Target    string        `json:"target"`
	Specialty string        `json:"specialty"`
	Period    PeriodRequest `json:"period"`
}

// NotifyExceededRequest names the remedial session month (one of
// notify.RemedialSessions). WriteLog defaults to true when omitted.
type NotifyExceededRequest struct {
	Target        string `json:"target"`
	RemedialLabel string `json:"remedial_label" validate:"required,oneof=جويلية أوت"`
	WriteLog      *bool  `json:"write_log"`
}

func (r NotifyExceededRequest) writeLog() bool {
	return r.WriteLog == nil || *r.WriteLog
}

// parseTarget accepts the stored values and their lowercase forms. Empty
// means the trainee.
func parseTarget(s string) (attendance.Target, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trainee":
		return attendance.TargetTrainee, true
	case "parent":
		return attendance.TargetParent, true
	}
	return "", false
}

type BatchResponse struct {
	notify.BatchResult
	Period string `json:"period"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(attendance.DateLayout)
}
