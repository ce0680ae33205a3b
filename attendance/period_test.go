package attendance_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megaformation/attendance-hub/attendance"
)

func TestDayPeriod(t *testing.T) {
	p := attendance.DayPeriod(day("2024-01-05"))
	assert.Equal(t, "بتاريخ 2024-01-05", p.Label)
	assert.True(t, p.Contains(day("2024-01-05")))
	assert.False(t, p.Contains(day("2024-01-06")))
}

func TestWeekPeriod_SevenDaysInclusive(t *testing.T) {
	p := attendance.WeekPeriod(day("2024-01-01"))
	assert.Equal(t, day("2024-01-07"), p.To)
	assert.Equal(t, "من 2024-01-01 إلى 2024-01-07", p.Label)
	assert.True(t, p.Contains(day("2024-01-07")))
	assert.False(t, p.Contains(day("2024-01-08")))
}

func TestMonthPeriod_WholeMonth(t *testing.T) {
	// GIVEN: Any day in February of a leap year
	// THEN: The period runs from the 1st to the 29th

	p := attendance.MonthPeriod(day("2024-02-17"))
	assert.Equal(t, day("2024-02-01"), p.From)
	assert.Equal(t, day("2024-02-29"), p.To)
	assert.Equal(t, "من 2024-02-01 إلى 2024-02-29 (شهر كامل)", p.Label)
}

func TestMonthPeriod_December(t *testing.T) {
	p := attendance.MonthPeriod(day("2024-12-31"))
	assert.Equal(t, day("2024-12-01"), p.From)
	assert.Equal(t, day("2024-12-31"), p.To)
}

func TestCustomPeriod_RejectsReversedRange(t *testing.T) {
	_, err := attendance.CustomPeriod(day("2024-02-01"), day("2024-01-01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, attendance.ErrInvalidPeriod)
	assert.True(t, attendance.IsValidation(err))

	p, err := attendance.CustomPeriod(day("2024-01-01"), day("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, "من 2024-01-01 إلى 2024-01-01", p.Label)
}

func TestNewPeriod_UnknownType(t *testing.T) {
	_, err := attendance.NewPeriod("year", day("2024-01-01"), day("2024-01-01"))
	assert.True(t, attendance.IsValidation(err))
}

func TestParseHours(t *testing.T) {
	assertDecimal(t, "1.5", attendance.ParseHours("1,5"))
	assertDecimal(t, "2", attendance.ParseHours(" 2 "))
	assertDecimal(t, "0", attendance.ParseHours(""))
	assertDecimal(t, "0", attendance.ParseHours("n/a"))
}

func TestParseDate_IgnoresTimePart(t *testing.T) {
	d, ok := attendance.ParseDate("2024-01-05 00:00:00")
	require.True(t, ok)
	assert.Equal(t, day("2024-01-05"), d)

	_, ok = attendance.ParseDate("05/01/2024")
	assert.False(t, ok)
}

func TestParseTimestamp_AcceptsNaiveISO(t *testing.T) {
	ts, ok := attendance.ParseTimestamp("2024-01-05T10:30:00.123456")
	require.True(t, ok)
	assert.Equal(t, 10, ts.Hour())

	ts, ok = attendance.ParseTimestamp("2024-01-05T10:30:00Z")
	require.True(t, ok)
	assert.Equal(t, 30, ts.Minute())
}

func TestSplitSpecialties(t *testing.T) {
	assert.Equal(t, []string{"Anglais A2", "Français B1"}, attendance.SplitSpecialties(" Anglais A2, ,Français B1 "))
	assert.Nil(t, attendance.SplitSpecialties(""))
}
