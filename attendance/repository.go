/*
repository.go - Typed CRUD over the four domain tables

PURPOSE:
  Repository turns sheet.Store rows into domain records and back. It is the
  only place that knows column names outside schema.go and types.go.

WRITE RULES:
  - Inputs are normalized (trimmed) and validated before any write.
  - Edits and deletes of an unknown id return ErrNotFound and write nothing.
  - Deletes never cascade: removing a trainee leaves its absences.
  - The notification log only ever grows.

READS:
  List* calls go through the store's cache; the first read of a cold
  process reaches the backend.

SEE ALSO:
  - sheet/store.go: retry + caches underneath
  - aggregate.go: consumes ListTrainees / ListSubjects / ListAbsences
*/
package attendance

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/megaformation/attendance-hub/sheet"
)

// Repository reads and writes domain records.
type Repository struct {
	store          *sheet.Store
	log            *zap.Logger
	normalizePhone func(string) string
	now            func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithPhoneNormalizer sets how phones are cleaned when a trainee is written.
func WithPhoneNormalizer(fn func(string) string) Option {
	return func(r *Repository) { r.normalizePhone = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Repository) { r.log = log }
}

// WithClock sets the time source used for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a Repository over store.
func NewRepository(store *sheet.Store, opts ...Option) *Repository {
	r := &Repository{
		store:          store,
		log:            zap.NewNop(),
		normalizePhone: strings.TrimSpace,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema creates missing tables and repairs their headers.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, t := range Tables() {
		if err := r.store.EnsureTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// RepairSchema forgets the cached table structure and runs EnsureSchema
// against the backend again.
func (r *Repository) RepairSchema(ctx context.Context) error {
	r.store.InvalidateStructure()
	return r.EnsureSchema(ctx)
}

// Refresh drops every cached read.
func (r *Repository) Refresh() {
	r.store.InvalidateAll()
}

// =============================================================================
// TRAINEES
// =============================================================================

// ListAllTrainees returns trainees of every branch in storage order.
func (r *Repository) ListAllTrainees(ctx context.Context) ([]Trainee, error) {
	rows, err := r.store.Load(ctx, Trainees)
	if err != nil {
		return nil, err
	}
	out := make([]Trainee, len(rows))
	for i, row := range rows {
		out[i] = traineeFromRow(row)
	}
	return out, nil
}

// ListTrainees returns the trainees of one branch.
func (r *Repository) ListTrainees(ctx context.Context, branch string) ([]Trainee, error) {
	all, err := r.ListAllTrainees(ctx)
	if err != nil {
		return nil, err
	}
	out := []Trainee{}
	for _, t := range all {
		if t.Branch == branch {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTrainee returns one trainee by id.
func (r *Repository) GetTrainee(ctx context.Context, id string) (Trainee, error) {
	all, err := r.ListAllTrainees(ctx)
	if err != nil {
		return Trainee{}, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return Trainee{}, errors.Wrapf(ErrNotFound, "trainee %s", id)
}

// CreateTrainee registers an active trainee in branch. StartDate defaults
// to today.
func (r *Repository) CreateTrainee(ctx context.Context, branch string, in TraineeInput) (Trainee, error) {
	in.normalize()
	if err := Validate(in); err != nil {
		return Trainee{}, err
	}
	start := truncateDay(r.now().UTC())
	if in.StartDate != "" {
		start, _ = time.Parse(DateLayout, in.StartDate)
	}
	t := Trainee{
		ID:          newID(10),
		Name:        in.Name,
		Phone:       r.normalizePhone(in.Phone),
		ParentPhone: r.normalizePhone(in.ParentPhone),
		Branch:      branch,
		Specialty:   in.Specialty,
		StartDate:   start,
		Active:      true,
	}
	if err := r.store.Append(ctx, Trainees, t.record()); err != nil {
		return Trainee{}, err
	}
	return t, nil
}

// UpdateTrainee sets the given fields.
func (r *Repository) UpdateTrainee(ctx context.Context, id string, in TraineeUpdate) error {
	in.normalize()
	if err := Validate(in); err != nil {
		return err
	}
	updates := map[string]string{}
	if in.Name != nil {
		updates["nom"] = *in.Name
	}
	if in.Phone != nil {
		updates["telephone"] = r.normalizePhone(*in.Phone)
	}
	if in.ParentPhone != nil {
		updates["tel_parent"] = r.normalizePhone(*in.ParentPhone)
	}
	if in.Specialty != nil {
		updates["specialite"] = *in.Specialty
	}
	if in.StartDate != nil {
		updates["date_debut"] = *in.StartDate
	}
	if in.Active != nil {
		updates["actif"] = formatFlag(*in.Active)
	}
	return r.update(ctx, Trainees, "trainee", id, updates)
}

// DeleteTrainee removes one trainee. Their absences are kept.
func (r *Repository) DeleteTrainee(ctx context.Context, id string) error {
	return r.delete(ctx, Trainees, "trainee", id)
}

// =============================================================================
// SUBJECTS
// =============================================================================

// ListAllSubjects returns subjects of every branch in storage order.
func (r *Repository) ListAllSubjects(ctx context.Context) ([]Subject, error) {
	rows, err := r.store.Load(ctx, Subjects)
	if err != nil {
		return nil, err
	}
	out := make([]Subject, len(rows))
	for i, row := range rows {
		out[i] = subjectFromRow(row)
	}
	return out, nil
}

// ListSubjects returns the subjects of one branch.
func (r *Repository) ListSubjects(ctx context.Context, branch string) ([]Subject, error) {
	all, err := r.ListAllSubjects(ctx)
	if err != nil {
		return nil, err
	}
	out := []Subject{}
	for _, s := range all {
		if s.Branch == branch {
			out = append(out, s)
		}
	}
	return out, nil
}

// SubjectsForTrainee returns the subjects of the trainee's branch that list
// the trainee's specialty.
func (r *Repository) SubjectsForTrainee(ctx context.Context, t Trainee) ([]Subject, error) {
	subjects, err := r.ListSubjects(ctx, t.Branch)
	if err != nil {
		return nil, err
	}
	out := []Subject{}
	for _, s := range subjects {
		if s.Teaches(t.Specialty) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CreateSubject adds a subject to branch.
func (r *Repository) CreateSubject(ctx context.Context, branch string, in SubjectInput) (Subject, error) {
	in.normalize()
	if err := Validate(in); err != nil {
		return Subject{}, err
	}
	s := Subject{
		ID:          newID(10),
		Name:        in.Name,
		Branch:      branch,
		Specialties: in.Specialties,
		TotalHours:  in.TotalHours,
		WeeklyHours: in.WeeklyHours,
	}
	if err := r.store.Append(ctx, Subjects, s.record()); err != nil {
		return Subject{}, err
	}
	return s, nil
}

// UpdateSubject sets the given fields.
func (r *Repository) UpdateSubject(ctx context.Context, id string, in SubjectUpdate) error {
	in.normalize()
	if err := Validate(in); err != nil {
		return err
	}
	updates := map[string]string{}
	if in.Name != nil {
		updates["nom_matiere"] = *in.Name
	}
	if in.Specialties != nil {
		if len(in.Specialties) == 0 {
			return invalid("specialties", "min=1")
		}
		updates["specialites"] = strings.Join(in.Specialties, ",")
	}
	if in.TotalHours != nil {
		updates["heures_totales"] = in.TotalHours.String()
	}
	if in.WeeklyHours != nil {
		updates["heures_semaine"] = in.WeeklyHours.String()
	}
	return r.update(ctx, Subjects, "subject", id, updates)
}

// DeleteSubject removes exactly the subject with id, even when another
// subject has the same name.
func (r *Repository) DeleteSubject(ctx context.Context, id string) error {
	return r.delete(ctx, Subjects, "subject", id)
}

// DeleteBranchSubjects removes every subject of branch and returns the count.
func (r *Repository) DeleteBranchSubjects(ctx context.Context, branch string) (int, error) {
	return r.store.DeleteWhere(ctx, Subjects, ColBranch, branch)
}

// Specialties returns the sorted union of trainee and subject specialties.
// An empty branch means every branch.
func (r *Repository) Specialties(ctx context.Context, branch string) ([]string, error) {
	trainees, err := r.ListAllTrainees(ctx)
	if err != nil {
		return nil, err
	}
	subjects, err := r.ListAllSubjects(ctx)
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	for _, t := range trainees {
		if (branch == "" || t.Branch == branch) && t.Specialty != "" {
			set[t.Specialty] = true
		}
	}
	for _, s := range subjects {
		if branch != "" && s.Branch != branch {
			continue
		}
		for _, sp := range s.Specialties {
			set[sp] = true
		}
	}

	out := make([]string, 0, len(set))
	for sp := range set {
		out = append(out, sp)
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// ABSENCES
// =============================================================================

// AbsenceView is an absence joined with display names.
type AbsenceView struct {
	Absence
	TraineeName string
	Specialty   string
	SubjectName string
}

// ListAbsences returns every absence of every branch in storage order.
func (r *Repository) ListAbsences(ctx context.Context) ([]Absence, error) {
	rows, err := r.store.Load(ctx, Absences)
	if err != nil {
		return nil, err
	}
	out := make([]Absence, len(rows))
	for i, row := range rows {
		out[i] = absenceFromRow(row)
	}
	return out, nil
}

// BranchAbsences returns the absences of branch trainees joined with trainee
// and subject names, newest first.
func (r *Repository) BranchAbsences(ctx context.Context, branch string) ([]AbsenceView, error) {
	trainees, err := r.ListTrainees(ctx, branch)
	if err != nil {
		return nil, err
	}
	subjects, err := r.ListAllSubjects(ctx)
	if err != nil {
		return nil, err
	}
	absences, err := r.ListAbsences(ctx)
	if err != nil {
		return nil, err
	}

	byTrainee := indexTrainees(trainees)
	bySubject := indexSubjects(subjects)

	out := []AbsenceView{}
	for _, a := range absences {
		t, ok := byTrainee[a.TraineeID]
		if !ok {
			continue
		}
		out = append(out, AbsenceView{
			Absence:     a,
			TraineeName: t.Name,
			Specialty:   t.Specialty,
			SubjectName: bySubject[a.SubjectID].Name,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateString() > out[j].DateString()
	})
	return out, nil
}

// CheckReferences verifies that traineeID and subjectID exist in branch.
func (r *Repository) CheckReferences(ctx context.Context, branch, traineeID, subjectID string) error {
	trainees, err := r.ListTrainees(ctx, branch)
	if err != nil {
		return err
	}
	subjects, err := r.ListSubjects(ctx, branch)
	if err != nil {
		return err
	}

	verr := &ValidationError{}
	if _, ok := indexTrainees(trainees)[traineeID]; !ok {
		verr.Fields = append(verr.Fields, FieldError{Field: "trainee_id", Rule: "exists"})
	}
	if _, ok := indexSubjects(subjects)[subjectID]; !ok {
		verr.Fields = append(verr.Fields, FieldError{Field: "subject_id", Rule: "exists"})
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// CreateAbsence records one absence after checking that the trainee and the
// subject belong to branch.
func (r *Repository) CreateAbsence(ctx context.Context, branch string, in AbsenceInput) (Absence, error) {
	in.normalize()
	if err := Validate(in); err != nil {
		return Absence{}, err
	}
	if err := r.CheckReferences(ctx, branch, in.TraineeID, in.SubjectID); err != nil {
		return Absence{}, err
	}
	a := newAbsence(in)
	if err := r.store.Append(ctx, Absences, a.record()); err != nil {
		return Absence{}, err
	}
	return a, nil
}

// appendAbsence writes an already validated absence without reference checks.
func (r *Repository) appendAbsence(ctx context.Context, in AbsenceInput) error {
	return r.store.Append(ctx, Absences, newAbsence(in).record())
}

func newAbsence(in AbsenceInput) Absence {
	date, _ := time.Parse(DateLayout, in.Date)
	return Absence{
		ID:        newID(10),
		TraineeID: in.TraineeID,
		SubjectID: in.SubjectID,
		Date:      date,
		RawDate:   in.Date,
		Hours:     in.Hours,
		Justified: in.Justified,
		Comment:   in.Comment,
	}
}

// UpdateAbsence sets the given fields.
func (r *Repository) UpdateAbsence(ctx context.Context, id string, in AbsenceUpdate) error {
	in.normalize()
	if err := Validate(in); err != nil {
		return err
	}
	updates := map[string]string{}
	if in.SubjectID != nil {
		updates[ColSubjectID] = *in.SubjectID
	}
	if in.Date != nil {
		updates["date"] = *in.Date
	}
	if in.Hours != nil {
		updates["heures_absence"] = in.Hours.String()
	}
	if in.Justified != nil {
		updates["justifie"] = formatJustified(*in.Justified)
	}
	if in.Comment != nil {
		updates["commentaire"] = *in.Comment
	}
	return r.update(ctx, Absences, "absence", id, updates)
}

// DeleteAbsence removes one absence.
func (r *Repository) DeleteAbsence(ctx context.Context, id string) error {
	return r.delete(ctx, Absences, "absence", id)
}

// BulkDeleteAbsences removes every absence matching f and returns the count.
// Absences with an unparsable date never match.
func (r *Repository) BulkDeleteAbsences(ctx context.Context, f BulkDeleteFilter) (int, error) {
	f.TraineeID = strings.TrimSpace(f.TraineeID)
	f.SubjectID = strings.TrimSpace(f.SubjectID)
	period, err := f.Period()
	if err != nil {
		return 0, err
	}
	trainees, err := r.ListTrainees(ctx, f.Branch)
	if err != nil {
		return 0, err
	}
	inBranch := indexTrainees(trainees)

	return r.store.DeleteMatching(ctx, Absences, func(row sheet.Row) bool {
		a := absenceFromRow(row)
		if _, ok := inBranch[a.TraineeID]; !ok {
			return false
		}
		if f.TraineeID != "" && a.TraineeID != f.TraineeID {
			return false
		}
		if f.SubjectID != "" && a.SubjectID != f.SubjectID {
			return false
		}
		return period.Contains(a.Date)
	})
}

// =============================================================================
// NOTIFICATION LOG
// =============================================================================

// NotificationView is a log entry joined with the trainee's name.
type NotificationView struct {
	NotificationLogEntry
	TraineeName string
	Specialty   string
}

// AppendNotification adds a log entry. ID and SentAt are filled when empty.
func (r *Repository) AppendNotification(ctx context.Context, e NotificationLogEntry) (NotificationLogEntry, error) {
	if e.ID == "" {
		e.ID = newID(12)
	}
	if e.SentAt.IsZero() {
		e.SentAt = r.now().UTC()
	}
	if err := r.store.Append(ctx, NotificationLog, e.record()); err != nil {
		return NotificationLogEntry{}, err
	}
	return e, nil
}

// ListNotifications returns the log of branch, newest first. Entries whose
// trainee was deleted keep an empty name.
func (r *Repository) ListNotifications(ctx context.Context, branch string) ([]NotificationView, error) {
	rows, err := r.store.Load(ctx, NotificationLog)
	if err != nil {
		return nil, err
	}
	trainees, err := r.ListAllTrainees(ctx)
	if err != nil {
		return nil, err
	}
	byID := indexTrainees(trainees)

	out := []NotificationView{}
	for _, row := range rows {
		e := notificationFromRow(row)
		if e.Branch != branch {
			continue
		}
		t := byID[e.TraineeID]
		out = append(out, NotificationView{NotificationLogEntry: e, TraineeName: t.Name, Specialty: t.Specialty})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out, nil
}

// =============================================================================
// BRANCH RESET
// =============================================================================

// ClearBranch removes every record of branch: trainees, their absences,
// subjects and log entries. Other branches are untouched.
func (r *Repository) ClearBranch(ctx context.Context, branch string) error {
	trainees, err := r.ListTrainees(ctx, branch)
	if err != nil {
		return err
	}
	inBranch := indexTrainees(trainees)

	if _, err := r.store.DeleteMatching(ctx, Absences, func(row sheet.Row) bool {
		_, ok := inBranch[row.Get(ColTraineeID)]
		return ok
	}); err != nil {
		return err
	}
	for _, t := range []sheet.Table{Trainees, Subjects, NotificationLog} {
		if _, err := r.store.DeleteWhere(ctx, t, ColBranch, branch); err != nil {
			return err
		}
	}
	r.log.Info("branch cleared", zap.String("branch", branch), zap.Int("trainees", len(trainees)))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Repository) update(ctx context.Context, t sheet.Table, kind, id string, updates map[string]string) error {
	found, err := r.store.UpdateFields(ctx, t, id, updates)
	if err != nil {
		return err
	}
	if !found {
		r.log.Warn("update of unknown id", zap.String("kind", kind), zap.String("id", id))
		return errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func (r *Repository) delete(ctx context.Context, t sheet.Table, kind, id string) error {
	found, err := r.store.Delete(ctx, t, id)
	if err != nil {
		return err
	}
	if !found {
		r.log.Warn("delete of unknown id", zap.String("kind", kind), zap.String("id", id))
		return errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func indexTrainees(ts []Trainee) map[string]Trainee {
	m := make(map[string]Trainee, len(ts))
	for _, t := range ts {
		if _, dup := m[t.ID]; !dup {
			m[t.ID] = t
		}
	}
	return m
}

func indexSubjects(ss []Subject) map[string]Subject {
	m := make(map[string]Subject, len(ss))
	for _, s := range ss {
		if _, dup := m[s.ID]; !dup {
			m[s.ID] = s
		}
	}
	return m
}
