package attendance_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megaformation/attendance-hub/attendance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func hours(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) time.Time {
	d, err := time.Parse(attendance.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func trainee(id, name string) attendance.Trainee {
	return attendance.Trainee{ID: id, Name: name, Branch: "Bizerte", Specialty: "Anglais A2", Phone: "21612345678", Active: true}
}

func subject(id, name, total string) attendance.Subject {
	return attendance.Subject{ID: id, Name: name, Branch: "Bizerte", Specialties: []string{"Anglais A2"}, TotalHours: hours(total)}
}

func absence(id, traineeID, subjectID, date, h string, justified bool) attendance.Absence {
	d, _ := attendance.ParseDate(date)
	return attendance.Absence{ID: id, TraineeID: traineeID, SubjectID: subjectID, Date: d, RawDate: date, Hours: hours(h), Justified: justified}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, hours(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

// =============================================================================
// EXCEEDED SET TESTS
// =============================================================================

func TestExceededSet_StrictComparison(t *testing.T) {
	// GIVEN: A 40h subject (limit 4h) and two trainees
	//   - t1 has exactly 4h unjustified
	//   - t2 has 4.5h unjustified
	// WHEN: Computing the exceeded set
	// THEN: Only t2 is in it (excess > 0 is strict)

	trainees := []attendance.Trainee{trainee("t1", "Amine"), trainee("t2", "Sarra")}
	subjects := []attendance.Subject{subject("s1", "Grammaire", "40")}
	absences := []attendance.Absence{
		absence("a1", "t1", "s1", "2024-01-05", "2", false),
		absence("a2", "t1", "s1", "2024-01-06", "2", false),
		absence("a3", "t2", "s1", "2024-01-05", "4.5", false),
	}

	set := attendance.ExceededSet(trainees, subjects, absences)

	require.Len(t, set, 1)
	assert.Equal(t, "t2", set[0].Trainee.ID)
	require.Len(t, set[0].Subjects, 1)
	assertDecimal(t, "4.5", set[0].Subjects[0].TotalAbsent)
	assertDecimal(t, "4", set[0].Subjects[0].Limit)
	assertDecimal(t, "0.5", set[0].Subjects[0].Excess)
}

func TestExceededSet_JustifiedNotCounted(t *testing.T) {
	trainees := []attendance.Trainee{trainee("t1", "Amine")}
	subjects := []attendance.Subject{subject("s1", "Grammaire", "20")}
	absences := []attendance.Absence{
		absence("a1", "t1", "s1", "2024-01-05", "1.5", false),
		absence("a2", "t1", "s1", "2024-01-06", "10", true),
	}

	assert.Empty(t, attendance.ExceededSet(trainees, subjects, absences))
}

func TestExceededSet_ZeroHourSubjectSkipped(t *testing.T) {
	trainees := []attendance.Trainee{trainee("t1", "Amine")}
	subjects := []attendance.Subject{subject("s1", "Atelier", "0")}
	absences := []attendance.Absence{absence("a1", "t1", "s1", "2024-01-05", "3", false)}

	assert.Empty(t, attendance.ExceededSet(trainees, subjects, absences))
}

func TestExceededSet_OnlyGivenTraineesAndSubjects(t *testing.T) {
	// GIVEN: An absence for a trainee of another branch (not in the list)
	// THEN: It does not appear

	trainees := []attendance.Trainee{trainee("t1", "Amine")}
	subjects := []attendance.Subject{subject("s1", "Grammaire", "10")}
	absences := []attendance.Absence{
		absence("a1", "other", "s1", "2024-01-05", "5", false),
		absence("a2", "t1", "unknown", "2024-01-05", "5", false),
	}

	assert.Empty(t, attendance.ExceededSet(trainees, subjects, absences))
}

func TestExceededSet_OrdersWorstSubjectFirst(t *testing.T) {
	trainees := []attendance.Trainee{trainee("t2", "Sarra"), trainee("t1", "Amine")}
	subjects := []attendance.Subject{
		subject("s1", "Grammaire", "10"),
		subject("s2", "Oral", "10"),
		subject("s3", "Ecrit", "10"),
	}
	absences := []attendance.Absence{
		absence("a1", "t1", "s1", "2024-01-05", "2", false), // excess 1
		absence("a2", "t1", "s2", "2024-01-05", "4", false), // excess 3
		absence("a3", "t1", "s3", "2024-01-05", "2", false), // excess 1, name sorts first
		absence("a4", "t2", "s1", "2024-01-05", "1.5", false),
	}

	set := attendance.ExceededSet(trainees, subjects, absences)

	require.Len(t, set, 2)
	assert.Equal(t, "t1", set[0].Trainee.ID)
	assert.Equal(t, "t2", set[1].Trainee.ID)
	names := []string{}
	for _, s := range set[0].Subjects {
		names = append(names, s.SubjectName)
	}
	assert.Equal(t, []string{"Oral", "Ecrit", "Grammaire"}, names)
}

// =============================================================================
// STANDING TESTS
// =============================================================================

func TestStanding_ExactLimitIsExcluded(t *testing.T) {
	// GIVEN: Exactly 10% unjustified
	// WHEN: Computing the trainee's standing
	// THEN: Remaining is 0 and the subject is flagged excluded (non-strict)

	subjects := []attendance.Subject{subject("s1", "Grammaire", "40")}
	absences := []attendance.Absence{absence("a1", "t1", "s1", "2024-01-05", "4", false)}

	st := attendance.Standing("t1", subjects, absences)

	require.Len(t, st, 1)
	assertDecimal(t, "0", st[0].Remaining)
	assert.True(t, st[0].Excluded)
}

func TestStanding_RemainingClampedForDisplayOnly(t *testing.T) {
	subjects := []attendance.Subject{subject("s1", "Grammaire", "10")}
	absences := []attendance.Absence{absence("a1", "t1", "s1", "2024-01-05", "3", false)}

	st := attendance.Standing("t1", subjects, absences)

	require.Len(t, st, 1)
	assertDecimal(t, "-2", st[0].Remaining)
	assertDecimal(t, "0", st[0].DisplayRemaining())
	assert.True(t, st[0].Excluded)
}

func TestStanding_ZeroHourSubjectKept(t *testing.T) {
	subjects := []attendance.Subject{subject("s1", "Atelier", "0")}
	absences := []attendance.Absence{absence("a1", "t1", "s1", "2024-01-05", "0.5", false)}

	st := attendance.Standing("t1", subjects, absences)

	require.Len(t, st, 1)
	assert.True(t, st[0].Excluded)
}

func TestStanding_OrderedByRemaining(t *testing.T) {
	subjects := []attendance.Subject{
		subject("s1", "Grammaire", "100"), // remaining 9
		subject("s2", "Oral", "20"),       // remaining 0.5
	}
	absences := []attendance.Absence{
		absence("a1", "t1", "s1", "2024-01-05", "1", false),
		absence("a2", "t1", "s2", "2024-01-05", "1.5", false),
		absence("a3", "t1", "gone", "2024-01-05", "9", false),
	}

	st := attendance.Standing("t1", subjects, absences)

	require.Len(t, st, 2)
	assert.Equal(t, "Oral", st[0].SubjectName)
	assert.Equal(t, "Grammaire", st[1].SubjectName)
	assert.False(t, st[0].Excluded)
}

// =============================================================================
// PERIOD REPORT TESTS
// =============================================================================

func TestPeriodReport_DetailLimitedStandingAllTime(t *testing.T) {
	// GIVEN: Absences on 2024-01-05 and 2024-02-10
	// WHEN: Reporting January
	// THEN: Detail lists only January; standing sums both

	tr := trainee("t1", "Amine")
	subjects := []attendance.Subject{subject("s1", "Grammaire", "40")}
	absences := []attendance.Absence{
		absence("a1", "t1", "s1", "2024-01-05", "2", false),
		absence("a2", "t1", "s1", "2024-02-10", "3", false),
	}

	report := attendance.BuildPeriodReport(tr, subjects, absences, attendance.MonthPeriod(day("2024-01-15")))

	require.True(t, report.HasData())
	require.Len(t, report.Details, 1)
	assert.Equal(t, "2024-01-05", report.Details[0].Date)
	require.Len(t, report.Standing, 1)
	assertDecimal(t, "5", report.Standing[0].TotalAbsent)
	assert.Equal(t, 1, report.AbsencesInPeriod)
	assert.Equal(t, 2, report.UnjustifiedCounted)
	require.Len(t, report.Excluded(), 1)
}

func TestPeriodReport_DetailIncludesJustified(t *testing.T) {
	tr := trainee("t1", "Amine")
	subjects := []attendance.Subject{subject("s1", "Grammaire", "40")}
	absences := []attendance.Absence{absence("a1", "t1", "s1", "2024-01-05", "2", true)}

	report := attendance.BuildPeriodReport(tr, subjects, absences, attendance.DayPeriod(day("2024-01-05")))

	require.True(t, report.HasData())
	require.Len(t, report.Details, 1)
	assert.True(t, report.Details[0].Justified)
	assert.Empty(t, report.Standing)
}

func TestPeriodReport_NoData(t *testing.T) {
	tr := trainee("t1", "Amine")
	subjects := []attendance.Subject{subject("s1", "Grammaire", "40")}

	report := attendance.BuildPeriodReport(tr, subjects, nil, attendance.DayPeriod(day("2024-01-05")))
	assert.Equal(t, attendance.NoAbsences, report.NoData)

	absences := []attendance.Absence{absence("a1", "t1", "s1", "2024-03-01", "2", false)}
	report = attendance.BuildPeriodReport(tr, subjects, absences, attendance.DayPeriod(day("2024-01-05")))
	assert.Equal(t, attendance.NoAbsencesInPeriod, report.NoData)
	assert.False(t, report.HasData())
}

func TestPeriodReport_UndatedAbsenceNeverInRange(t *testing.T) {
	tr := trainee("t1", "Amine")
	subjects := []attendance.Subject{subject("s1", "Grammaire", "40")}
	absences := []attendance.Absence{absence("a1", "t1", "s1", "hier", "2", false)}

	report := attendance.BuildPeriodReport(tr, subjects, absences, attendance.MonthPeriod(day("2024-01-01")))
	assert.Equal(t, attendance.NoAbsencesInPeriod, report.NoData)
}
