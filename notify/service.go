/*
service.go - Notification workflows

PURPOSE:
  Service loads what a notice needs from the repository, renders it, builds
  the link and appends the notification log entry. Three workflows:
  - NotifyTrainee:  one trainee, one period
  - NotifyBatch:    every trainee of a branch (optionally one specialty)
  - NotifyExceeded: every trainee over the 10% limit, one message each

OUTCOMES:
  A missing phone or an empty report is not an error. It comes back as a
  Notification with Status no_phone / no_data, no link and no log entry.

LOG FAILURES:
  Links are produced even when the log append fails. The failure is logged
  at warn and Notification.Logged stays false.
*/
package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/megaformation/attendance-hub/attendance"
)

// Status is the outcome of composing one notice.
type Status string

const (
	StatusReady   Status = "ready"
	StatusNoPhone Status = "no_phone"
	StatusNoData  Status = "no_data"
)

// Notification is one composed notice.
type Notification struct {
	TraineeID   string            `json:"trainee_id"`
	TraineeName string            `json:"trainee_name"`
	Target      attendance.Target `json:"target"`
	Phone       string            `json:"phone,omitempty"`
	Status      Status            `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
	Link        string            `json:"link,omitempty"`
	Logged      bool              `json:"logged"`

	AbsencesInPeriod   int `json:"absences_in_period,omitempty"`
	UnjustifiedCounted int `json:"unjustified_counted,omitempty"`
	SubjectCount       int `json:"subject_count,omitempty"`
}

// BatchResult is the outcome of NotifyBatch.
type BatchResult struct {
	Sent           []Notification `json:"sent"`
	SkippedNoPhone int            `json:"skipped_no_phone"`
	SkippedNoData  int            `json:"skipped_no_data"`
}

// ExceededResult is the outcome of NotifyExceeded.
type ExceededResult struct {
	Sent           []Notification `json:"sent"`
	SkippedNoPhone int            `json:"skipped_no_phone"`
}

// Service composes notices and records them.
type Service struct {
	repo        *attendance.Repository
	composer    Composer
	branchName  func(code string) string
	examSession string
	log         *zap.Logger
	today       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBranchNames maps branch codes to display names. Unknown codes render
// as themselves.
func WithBranchNames(names map[string]string) ServiceOption {
	return func(s *Service) {
		s.branchName = func(code string) string {
			if n, ok := names[code]; ok {
				return n
			}
			return code
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithToday sets the clock used for the exceeded log period.
func WithToday(today func() time.Time) ServiceOption {
	return func(s *Service) { s.today = today }
}

// WithExamSession overrides DefaultExamSession.
func WithExamSession(session string) ServiceOption {
	return func(s *Service) { s.examSession = session }
}

// NewService creates a Service.
func NewService(repo *attendance.Repository, composer Composer, opts ...ServiceOption) *Service {
	s := &Service{
		repo:       repo,
		composer:   composer,
		branchName: func(code string) string { return code },
		log:        zap.NewNop(),
		today:      attendance.Today,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// SINGLE TRAINEE
// =============================================================================

// NotifyTrainee composes the period notice for one trainee of branch. A
// trainee of another branch is ErrNotFound.
func (s *Service) NotifyTrainee(ctx context.Context, branch, traineeID string, target attendance.Target, period attendance.Period) (Notification, error) {
	t, err := s.repo.GetTrainee(ctx, traineeID)
	if err != nil {
		return Notification{}, err
	}
	if t.Branch != branch {
		return Notification{}, errors.Wrapf(attendance.ErrNotFound, "trainee %s", traineeID)
	}
	subjects, err := s.repo.ListAllSubjects(ctx)
	if err != nil {
		return Notification{}, err
	}
	absences, err := s.repo.ListAbsences(ctx)
	if err != nil {
		return Notification{}, err
	}
	return s.notifyPeriod(ctx, t, subjects, absences, target, period), nil
}

// =============================================================================
// BATCH
// =============================================================================

// NotifyBatch composes the period notice for every trainee of branch, or
// only those of specialty when it is not empty. Trainees without a phone
// or without data are counted and skipped.
func (s *Service) NotifyBatch(ctx context.Context, branch, specialty string, target attendance.Target, period attendance.Period) (BatchResult, error) {
	trainees, err := s.repo.ListTrainees(ctx, branch)
	if err != nil {
		return BatchResult{}, err
	}
	subjects, err := s.repo.ListAllSubjects(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	absences, err := s.repo.ListAbsences(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Sent: []Notification{}}
	for _, t := range trainees {
		if specialty != "" && t.Specialty != specialty {
			continue
		}
		n := s.notifyPeriod(ctx, t, subjects, absences, target, period)
		switch n.Status {
		case StatusNoPhone:
			res.SkippedNoPhone++
		case StatusNoData:
			res.SkippedNoData++
		default:
			res.Sent = append(res.Sent, n)
		}
	}
	s.log.Info("batch notification composed",
		zap.String("branch", branch),
		zap.String("specialty", specialty),
		zap.Int("sent", len(res.Sent)),
		zap.Int("skipped_no_phone", res.SkippedNoPhone),
		zap.Int("skipped_no_data", res.SkippedNoData))
	return res, nil
}

func (s *Service) notifyPeriod(ctx context.Context, t attendance.Trainee, subjects []attendance.Subject, absences []attendance.Absence, target attendance.Target, period attendance.Period) Notification {
	n := Notification{TraineeID: t.ID, TraineeName: t.Name, Target: target}

	phone := s.composer.NormalizePhone(t.PhoneFor(target))
	if phone == "" {
		n.Status = StatusNoPhone
		n.Reason = ErrNoPhone.Error()
		return n
	}
	n.Phone = phone

	report := attendance.BuildPeriodReport(t, subjects, absences, period)
	if !report.HasData() {
		n.Status = StatusNoData
		n.Reason = string(report.NoData)
		return n
	}

	n.Status = StatusReady
	n.AbsencesInPeriod = report.AbsencesInPeriod
	n.UnjustifiedCounted = report.UnjustifiedCounted
	n.SubjectCount = len(report.Standing)
	n.Message = RenderPeriodMessage(PeriodMessage{
		Report:      report,
		BranchName:  s.branchName(t.Branch),
		ExamSession: s.examSession,
	})
	n.Link = s.composer.Link(phone, n.Message)
	n.Logged = s.record(ctx, attendance.NotificationLogEntry{
		TraineeID:   t.ID,
		Phone:       phone,
		Target:      target,
		Branch:      t.Branch,
		PeriodFrom:  period.From.Format(attendance.DateLayout),
		PeriodTo:    period.To.Format(attendance.DateLayout),
		PeriodLabel: period.Label,
	})
	return n
}

// =============================================================================
// EXCEEDED
// =============================================================================

// ExceededLogLabel is the period label logged for an exceeded notice.
func ExceededLogLabel(remedialLabel string) string {
	return "تجاوز 10٪ (مجمّع) + تدارك " + remedialLabel
}

// NotifyExceeded composes one consolidated notice per trainee of branch in
// the exceeded set. Log entries are written only when writeLog is set.
func (s *Service) NotifyExceeded(ctx context.Context, branch string, target attendance.Target, remedialLabel string, writeLog bool) (ExceededResult, error) {
	trainees, err := s.repo.ListTrainees(ctx, branch)
	if err != nil {
		return ExceededResult{}, err
	}
	subjects, err := s.repo.ListSubjects(ctx, branch)
	if err != nil {
		return ExceededResult{}, err
	}
	absences, err := s.repo.ListAbsences(ctx)
	if err != nil {
		return ExceededResult{}, err
	}

	today := s.today().Format(attendance.DateLayout)
	res := ExceededResult{Sent: []Notification{}}
	for _, te := range attendance.ExceededSet(trainees, subjects, absences) {
		t := te.Trainee
		phone := s.composer.NormalizePhone(t.PhoneFor(target))
		if phone == "" {
			res.SkippedNoPhone++
			continue
		}
		msg := RenderExceededMessage(ExceededMessage{
			Trainee:       t,
			BranchName:    s.branchName(t.Branch),
			Subjects:      te.Subjects,
			RemedialLabel: remedialLabel,
		})
		n := Notification{
			TraineeID:    t.ID,
			TraineeName:  t.Name,
			Target:       target,
			Phone:        phone,
			Status:       StatusReady,
			Message:      msg,
			Link:         s.composer.Link(phone, msg),
			SubjectCount: len(te.Subjects),
		}
		if writeLog {
			n.Logged = s.record(ctx, attendance.NotificationLogEntry{
				TraineeID:   t.ID,
				Phone:       phone,
				Target:      target,
				Branch:      t.Branch,
				PeriodFrom:  today,
				PeriodTo:    today,
				PeriodLabel: ExceededLogLabel(remedialLabel),
			})
		}
		res.Sent = append(res.Sent, n)
	}
	return res, nil
}

// record appends a log entry and reports whether it was stored.
func (s *Service) record(ctx context.Context, e attendance.NotificationLogEntry) bool {
	if _, err := s.repo.AppendNotification(ctx, e); err != nil {
		s.log.Warn("notification log append failed",
			zap.String("trainee_id", e.TraineeID),
			zap.String("branch", e.Branch),
			zap.Error(err))
		return false
	}
	return true
}
