package attendance

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/megaformation/attendance-hub/sheet"
)

// DateLayout is the on-store date format.
const DateLayout = "2006-01-02"

// Stored values of the justifie column.
const (
	JustifiedYes = "Oui"
	JustifiedNo  = "Non"
)

// Target is who a notification is addressed to.
type Target string

const (
	TargetTrainee Target = "Trainee"
	TargetParent  Target = "Parent"
)

// Valid reports whether t is a known target.
func (t Target) Valid() bool { return t == TargetTrainee || t == TargetParent }

// =============================================================================
// RECORDS
// =============================================================================

type Trainee struct {
	ID          string
	Name        string
	Phone       string
	ParentPhone string
	Branch      string
	Specialty   string
	StartDate   time.Time // zero when the stored text is not a date
	Active      bool
}

// PhoneFor returns the trainee's or the parent's phone.
func (t Trainee) PhoneFor(target Target) string {
	if target == TargetParent {
		return t.ParentPhone
	}
	return t.Phone
}

type Subject struct {
	ID          string
	Name        string
	Branch      string
	Specialties []string
	TotalHours  decimal.Decimal
	WeeklyHours decimal.Decimal
}

// Teaches reports whether specialty is one of the subject's specialties.
func (s Subject) Teaches(specialty string) bool {
	specialty = strings.TrimSpace(specialty)
	for _, sp := range s.Specialties {
		if sp == specialty {
			return true
		}
	}
	return false
}

type Absence struct {
	ID        string
	TraineeID string
	SubjectID string
	Date      time.Time // zero when RawDate is not a date
	RawDate   string
	Hours     decimal.Decimal
	Justified bool
	Comment   string
}

// HasDate reports whether the stored date parsed.
func (a Absence) HasDate() bool { return !a.Date.IsZero() }

// DateString is the date as YYYY-MM-DD, or the raw text when it did not parse.
func (a Absence) DateString() string {
	if a.HasDate() {
		return a.Date.Format(DateLayout)
	}
	return a.RawDate
}

type NotificationLogEntry struct {
	ID          string
	TraineeID   string
	Phone       string
	Target      Target
	Branch      string
	PeriodFrom  string
	PeriodTo    string
	PeriodLabel string
	SentAt      time.Time
}

// =============================================================================
// ROW COERCION
// =============================================================================

func traineeFromRow(r sheet.Row) Trainee {
	start, _ := ParseDate(r.Get("date_debut"))
	return Trainee{
		ID:          r.Get(ColID),
		Name:        r.Get("nom"),
		Phone:       r.Get("telephone"),
		ParentPhone: r.Get("tel_parent"),
		Branch:      r.Get(ColBranch),
		Specialty:   strings.TrimSpace(r.Get("specialite")),
		StartDate:   start,
		Active:      strings.TrimSpace(r.Get("actif")) == "1",
	}
}

func (t Trainee) record() map[string]string {
	return map[string]string{
		ColID:        t.ID,
		"nom":        t.Name,
		"telephone":  t.Phone,
		"tel_parent": t.ParentPhone,
		ColBranch:    t.Branch,
		"specialite": t.Specialty,
		"date_debut": formatDate(t.StartDate),
		"actif":      formatFlag(t.Active),
	}
}

func subjectFromRow(r sheet.Row) Subject {
	return Subject{
		ID:          r.Get(ColID),
		Name:        strings.TrimSpace(r.Get("nom_matiere")),
		Branch:      r.Get(ColBranch),
		Specialties: SplitSpecialties(r.Get("specialites")),
		TotalHours:  ParseHours(r.Get("heures_totales")),
		WeeklyHours: ParseHours(r.Get("heures_semaine")),
	}
}

func (s Subject) record() map[string]string {
	return map[string]string{
		ColID:            s.ID,
		"nom_matiere":    s.Name,
		ColBranch:        s.Branch,
		"specialites":    strings.Join(s.Specialties, ","),
		"heures_totales": s.TotalHours.String(),
		"heures_semaine": s.WeeklyHours.String(),
	}
}

func absenceFromRow(r sheet.Row) Absence {
	raw := r.Get("date")
	date, _ := ParseDate(raw)
	return Absence{
		ID:        r.Get(ColID),
		TraineeID: r.Get(ColTraineeID),
		SubjectID: r.Get(ColSubjectID),
		Date:      date,
		RawDate:   raw,
		Hours:     ParseHours(r.Get("heures_absence")),
		Justified: strings.TrimSpace(r.Get("justifie")) == JustifiedYes,
		Comment:   r.Get("commentaire"),
	}
}

func (a Absence) record() map[string]string {
	return map[string]string{
		ColID:            a.ID,
		ColTraineeID:     a.TraineeID,
		ColSubjectID:     a.SubjectID,
		"date":           a.DateString(),
		"heures_absence": a.Hours.String(),
		"justifie":       formatJustified(a.Justified),
		"commentaire":    a.Comment,
	}
}

func notificationFromRow(r sheet.Row) NotificationLogEntry {
	sentAt, _ := ParseTimestamp(r.Get("sent_at_iso"))
	return NotificationLogEntry{
		ID:          r.Get(ColID),
		TraineeID:   r.Get(ColTraineeID),
		Phone:       r.Get("phone"),
		Target:      Target(r.Get("target")),
		Branch:      r.Get(ColBranch),
		PeriodFrom:  r.Get("period_from"),
		PeriodTo:    r.Get("period_to"),
		PeriodLabel: r.Get("period_label"),
		SentAt:      sentAt,
	}
}

func (n NotificationLogEntry) record() map[string]string {
	return map[string]string{
		ColID:          n.ID,
		ColTraineeID:   n.TraineeID,
		"phone":        n.Phone,
		"target":       string(n.Target),
		ColBranch:      n.Branch,
		"period_from":  n.PeriodFrom,
		"period_to":    n.PeriodTo,
		"period_label": n.PeriodLabel,
		"sent_at_iso":  n.SentAt.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// PARSING
// =============================================================================

// ParseHours reads a stored number. A comma is accepted as the decimal
// separator; blank or unparsable text reads as zero.
func ParseHours(s string) decimal.Decimal {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseDate reads YYYY-MM-DD, ignoring any time part after a space or T.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " T"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // naive UTC, as older rows hold
	"2006-01-02 15:04:05",
}

// ParseTimestamp reads a sent_at value. Naive timestamps are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SplitSpecialties splits a comma-joined specialties cell, dropping blanks.
func SplitSpecialties(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

func formatFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatJustified(b bool) string {
	if b {
		return JustifiedYes
	}
	return JustifiedNo
}

// newID returns 10 hex characters of a random UUID; log entries use 12.
func newID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
