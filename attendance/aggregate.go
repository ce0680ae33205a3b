/*
aggregate.go - The 10% absence threshold

PURPOSE:
  A trainee who misses, without justification, more than 10% of a
  subject's total hours loses the right to sit that subject's regular exam.
  This file computes the views the notifications are built from.

THE RULE:
  limit     = total_hours * 0.10
  excess    = unjustified_total - limit
  remaining = limit - unjustified_total

  exceeded  iff excess > 0       (strict, used by ExceededSet)
  excluded  iff remaining <= 0   (non-strict, used by Standing)

  The two comparisons disagree at exact equality: a trainee at exactly 10%
  is excluded in their own report but absent from the exceeded list.

  Comparisons use unrounded decimals. Only display values are rounded (2
  places), and remaining is clamped at 0 for display only.

JUSTIFIED ABSENCES:
  Never counted toward the threshold. They still appear in the period detail
  listing.

ZERO-HOUR SUBJECTS:
  Skipped by ExceededSet (no meaningful limit). Kept by Standing, where any
  unjustified hour puts them at remaining <= 0.

SEE ALSO:
  - notify/message.go: renders ExceededSet and PeriodReport
*/
package attendance

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ThresholdRatio is the share of a subject's hours a trainee may miss.
var ThresholdRatio = decimal.New(1, -1)

// Limit returns the unjustified hours allowed for a subject of totalHours.
func Limit(totalHours decimal.Decimal) decimal.Decimal {
	return totalHours.Mul(ThresholdRatio)
}

// =============================================================================
// EXCEEDED SET
// =============================================================================

// SubjectExcess is one subject where a trainee is over the limit.
type SubjectExcess struct {
	SubjectID   string
	SubjectName string
	TotalHours  decimal.Decimal
	TotalAbsent decimal.Decimal
	Limit       decimal.Decimal
	Excess      decimal.Decimal
}

// TraineeExcess groups every exceeded subject of one trainee, worst first.
type TraineeExcess struct {
	Trainee  Trainee
	Subjects []SubjectExcess
}

// ExceededSet returns the trainees that exceed the limit in at least one
// subject. Only absences whose trainee and subject are in the given lists
// count, so passing one branch's lists scopes the result to that branch.
// Trainees are ordered by id.
func ExceededSet(trainees []Trainee, subjects []Subject, absences []Absence) []TraineeExcess {
	byTrainee := indexTrainees(trainees)
	bySubject := indexSubjects(subjects)

	type key struct{ trainee, subject string }
	totals := map[key]decimal.Decimal{}
	for _, a := range absences {
		if a.Justified {
			continue
		}
		if _, ok := byTrainee[a.TraineeID]; !ok {
			continue
		}
		s, ok := bySubject[a.SubjectID]
		if !ok || !s.TotalHours.IsPositive() {
			continue
		}
		k := key{a.TraineeID, a.SubjectID}
		totals[k] = totals[k].Add(a.Hours)
	}

	grouped := map[string][]SubjectExcess{}
	for k, total := range totals {
		s := bySubject[k.subject]
		limit := Limit(s.TotalHours)
		excess := total.Sub(limit)
		if !excess.IsPositive() {
			continue
		}
		grouped[k.trainee] = append(grouped[k.trainee], SubjectExcess{
			SubjectID:   s.ID,
			SubjectName: s.Name,
			TotalHours:  s.TotalHours,
			TotalAbsent: total,
			Limit:       limit,
			Excess:      excess,
		})
	}

	out := make([]TraineeExcess, 0, len(grouped))
	for traineeID, items := range grouped {
		sort.Slice(items, func(i, j int) bool {
			if c := items[i].Excess.Cmp(items[j].Excess); c != 0 {
				return c > 0
			}
			return items[i].SubjectName < items[j].SubjectName
		})
		out = append(out, TraineeExcess{Trainee: byTrainee[traineeID], Subjects: items})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trainee.ID < out[j].Trainee.ID })
	return out
}

// =============================================================================
// STANDING - All-time position of one trainee toward exclusion
// =============================================================================

// SubjectStanding is one trainee's all-time unjustified total in a subject.
type SubjectStanding struct {
	SubjectID   string
	SubjectName string
	TotalHours  decimal.Decimal
	TotalAbsent decimal.Decimal
	Limit       decimal.Decimal
	Remaining   decimal.Decimal // may be negative
	Excluded    bool
}

// DisplayRemaining is Remaining clamped at zero.
func (s SubjectStanding) DisplayRemaining() decimal.Decimal {
	if s.Remaining.IsNegative() {
		return decimal.Zero
	}
	return s.Remaining
}

// Standing sums a trainee's unjustified hours per subject over all time,
// closest to exclusion first. Absences of unknown subjects are dropped.
func Standing(traineeID string, subjects []Subject, absences []Absence) []SubjectStanding {
	out, _ := standing(traineeID, subjects, absences)
	return out
}

func standing(traineeID string, subjects []Subject, absences []Absence) ([]SubjectStanding, int) {
	bySubject := indexSubjects(subjects)

	totals := map[string]decimal.Decimal{}
	var order []string
	counted := 0
	for _, a := range absences {
		if a.TraineeID != traineeID || a.Justified {
			continue
		}
		if _, ok := bySubject[a.SubjectID]; !ok {
			continue
		}
		if _, seen := totals[a.SubjectID]; !seen {
			order = append(order, a.SubjectID)
		}
		totals[a.SubjectID] = totals[a.SubjectID].Add(a.Hours)
		counted++
	}

	out := make([]SubjectStanding, 0, len(order))
	for _, id := range order {
		s := bySubject[id]
		limit := Limit(s.TotalHours)
		remaining := limit.Sub(totals[id])
		out = append(out, SubjectStanding{
			SubjectID:   id,
			SubjectName: s.Name,
			TotalHours:  s.TotalHours,
			TotalAbsent: totals[id],
			Limit:       limit,
			Remaining:   remaining,
			Excluded:    !remaining.IsPositive(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Remaining.Cmp(out[j].Remaining); c != 0 {
			return c < 0
		}
		return out[i].SubjectName < out[j].SubjectName
	})
	return out, counted
}

// =============================================================================
// PERIOD REPORT - Period detail + all-time standing
// =============================================================================

// NoDataReason says why a report has nothing to send.
type NoDataReason string

const (
	NoAbsences         NoDataReason = "no_absences"
	NoAbsencesInPeriod NoDataReason = "no_absences_in_period"
)

// DetailLine is one absence inside the reported period.
type DetailLine struct {
	AbsenceID   string
	Date        string
	SubjectName string // "" when the subject no longer exists
	Hours       decimal.Decimal
	Justified   bool
}

// PeriodReport is what a period notification says about one trainee.
type PeriodReport struct {
	Trainee  Trainee
	Period   Period
	Details  []DetailLine
	Standing []SubjectStanding

	// NoData is set when there is nothing to send.
	NoData NoDataReason

	AbsencesInPeriod   int
	UnjustifiedCounted int
}

// HasData reports whether the report should produce a message.
func (r PeriodReport) HasData() bool { return r.NoData == "" }

// Excluded returns the subjects the trainee has reached exclusion in.
func (r PeriodReport) Excluded() []SubjectStanding {
	var out []SubjectStanding
	for _, s := range r.Standing {
		if s.Excluded {
			out = append(out, s)
		}
	}
	return out
}

// BuildPeriodReport lists the trainee's absences within period (justified or
// not, storage order) and their standing over all time. The standing is
// never limited to the period.
func BuildPeriodReport(t Trainee, subjects []Subject, absences []Absence, period Period) PeriodReport {
	report := PeriodReport{Trainee: t, Period: period}
	bySubject := indexSubjects(subjects)

	seen := false
	for _, a := range absences {
		if a.TraineeID != t.ID {
			continue
		}
		seen = true
		if !period.Contains(a.Date) {
			continue
		}
		report.Details = append(report.Details, DetailLine{
			AbsenceID:   a.ID,
			Date:        a.DateString(),
			SubjectName: bySubject[a.SubjectID].Name,
			Hours:       a.Hours,
			Justified:   a.Justified,
		})
	}

	switch {
	case !seen:
		report.NoData = NoAbsences
		return report
	case len(report.Details) == 0:
		report.NoData = NoAbsencesInPeriod
		return report
	}

	report.AbsencesInPeriod = len(report.Details)
	report.Standing, report.UnjustifiedCounted = standing(t.ID, subjects, absences)
	return report
}
