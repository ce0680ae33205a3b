/*
Package notify turns attendance reports into WhatsApp messages.

PURPOSE:
  The center does not send messages itself. It produces the text and a
  wa.me deep link that staff open to send by hand. This package holds:
  - message.go: two pure renderers (period notice, exceeded notice)
  - link.go:    phone normalization and the deep link
  - service.go: the workflows that load data, render, and log

DETERMINISM:
  Renderers read nothing but their argument. Same input, same text.

SEE ALSO:
  - attendance/aggregate.go: computes what is rendered here
*/
package notify

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/megaformation/attendance-hub/attendance"
)

// DefaultExamSession names the month an excluded trainee sits the exam in.
const DefaultExamSession = "أوت"

// RemedialSessions are the months a remedial session can be held in.
var RemedialSessions = []string{"جويلية", "أوت"}

// =============================================================================
// PERIOD NOTICE
// =============================================================================

// PeriodMessage is everything the period notice says.
type PeriodMessage struct {
	Report     attendance.PeriodReport
	BranchName string

	// ExamSession defaults to DefaultExamSession.
	ExamSession string
}

// RenderPeriodMessage lists the period's absences, then the trainee's
// all-time standing per subject, then the subjects they are excluded from.
func RenderPeriodMessage(m PeriodMessage) string {
	r := m.Report
	session := m.ExamSession
	if session == "" {
		session = DefaultExamSession
	}

	var b lines
	b.add("السلام عليكم،")
	b.add("إدارة هيكل التكوين تحب تعلمك بتفاصيل الغيابات اللي تمّ تسجيلها في الفترة المحدّدة:")
	b.add("")
	b.add("👤 المتكوّن: " + r.Trainee.Name)
	b.add("🏫 الفرع: " + m.BranchName)
	b.add("🔧 التخصّص: " + r.Trainee.Specialty)
	b.add("🕒 الفترة: " + r.Period.Label)
	b.add("")
	b.add("📋 تفاصيل الغيابات في هذه الفترة:")
	for _, d := range r.Details {
		b.add("- " + d.Date + " | " + d.SubjectName + " | " + fixed(d.Hours) + " ساعة (" + justification(d.Justified) + ")")
	}

	if len(r.Standing) > 0 {
		b.add("")
		b.add("📊 ملخّص الغيابات غير المبررة حسب المواد (إجمالي منذ بداية التكوين):")
		for _, s := range r.Standing {
			b.add("- " + s.SubjectName + ":")
			b.add("   • مجموع الغياب غير المبرر (إجمالي): " + fixed(s.TotalAbsent) + " ساعة")
			b.add("   • حدّ 10٪: " + fixed(s.Limit) + " ساعة (من " + fixed(s.TotalHours) + " ساعة)")
			b.add("   • الباقي قبل الإقصاء: " + fixed(s.DisplayRemaining()) + " ساعة")
		}
	}

	if excluded := r.Excluded(); len(excluded) > 0 {
		b.add("")
		b.add("⚠️ يؤسفني إعلامكم أنّ هذه المادة/المواد سيتم إجراء الإمتحان بشهر " + session +
			" وذلك لتجاوزكم الحد الأقصى المسموح به من الغيابات (10٪):")
		for _, s := range excluded {
			b.add("- " + s.SubjectName)
		}
	}

	b.add("")
	b.add("🙏 نشكروك على تفهّمك، ومرحبا بيك في الإدارة لأي استفسار.")
	return b.String()
}

// =============================================================================
// EXCEEDED NOTICE
// =============================================================================

// ExceededMessage is one trainee's consolidated over-the-limit notice.
type ExceededMessage struct {
	Trainee       attendance.Trainee
	BranchName    string
	Subjects      []attendance.SubjectExcess
	RemedialLabel string
}

// RenderExceededMessage lists every subject the trainee is over the limit
// in, with the remedial session.
func RenderExceededMessage(m ExceededMessage) string {
	var b lines
	b.add("السلام عليكم،")
	b.add("إدارة هيكل التكوين تحب تعلمك أنّه تمّ تجاوز 10٪ من الغيابات غير المبرّرة في المواد التالية:")
	b.add("")
	b.add("👤 المتكوّن: " + m.Trainee.Name)
	b.add("🏫 الفرع: " + m.BranchName)
	if m.Trainee.Specialty != "" {
		b.add("🔧 التخصّص: " + m.Trainee.Specialty)
	}
	b.add("")
	b.add("📌 المواد اللي تمّ تجاوز 10٪ فيها:")
	for _, s := range m.Subjects {
		b.add("- " + s.SubjectName + ":")
		b.add("   • مجموع الغياب غير المبرر: " + fixed(s.TotalAbsent) + " ساعة")
		b.add("   • حدّ 10٪: " + fixed(s.Limit) + " ساعة (من " + fixed(s.TotalHours) + " ساعة)")
		b.add("   • تجاوز بـ: " + fixed(s.Excess) + " ساعة")
	}
	b.add("")
	b.add("📌 دورة التدارك: " + m.RemedialLabel)
	b.add("")
	b.add("🙏 شكراً على التفهّم. لأي استفسار مرحبا بكم في الإدارة.")
	return b.String()
}

// =============================================================================
// HELPERS
// =============================================================================

type lines []string

func (l *lines) add(s string) { *l = append(*l, s) }

func (l lines) String() string { return strings.Join(l, "\n") }

// fixed rounds half away from zero to two places for display.
func fixed(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func justification(justified bool) string {
	if justified {
		return "مبرر"
	}
	return "غير مبرر"
}
