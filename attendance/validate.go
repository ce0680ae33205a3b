package attendance

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS - What callers may write. Trimmed, then validated, before any write.
// =============================================================================

type TraineeInput struct {
	Name        string `json:"name" validate:"required"`
	Phone       string `json:"phone" validate:"required"`
	ParentPhone string `json:"parent_phone"`
	Specialty   string `json:"specialty" validate:"required"`
	StartDate   string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
}

type TraineeUpdate struct {
	Name        *string `json:"name" validate:"omitnil,min=1"`
	Phone       *string `json:"phone" validate:"omitnil,min=1"`
	ParentPhone *string `json:"parent_phone"`
	Specialty   *string `json:"specialty" validate:"omitnil,min=1"`
	StartDate   *string `json:"start_date" validate:"omitnil,datetime=2006-01-02"`
	Active      *bool   `json:"active"`
}

type SubjectInput struct {
	Name        string          `json:"name" validate:"required"`
	Specialties []string        `json:"specialties" validate:"min=1,dive,required"`
	TotalHours  decimal.Decimal `json:"total_hours" validate:"gte=0"`
	WeeklyHours decimal.Decimal `json:"weekly_hours" validate:"gte=0"`
}

type SubjectUpdate struct {
	Name        *string          `json:"name" validate:"omitnil,min=1"`
	Specialties []string         `json:"specialties" validate:"omitempty,dive,required"`
	TotalHours  *decimal.Decimal `json:"total_hours" validate:"omitnil,gte=0"`
	WeeklyHours *decimal.Decimal `json:"weekly_hours" validate:"omitnil,gte=0"`
}

type AbsenceInput struct {
	TraineeID string          `json:"trainee_id" validate:"required"`
	SubjectID string          `json:"subject_id" validate:"required"`
	Date      string          `json:"date" validate:"required,datetime=2006-01-02"`
	Hours     decimal.Decimal `json:"hours" validate:"gt=0"`
	Justified bool            `json:"justified"`
	Comment   string          `json:"comment"`
}

type AbsenceUpdate struct {
	SubjectID *string          `json:"subject_id" validate:"omitnil,min=1"`
	Date      *string          `json:"date" validate:"omitnil,datetime=2006-01-02"`
	Hours     *decimal.Decimal `json:"hours" validate:"omitnil,gt=0"`
	Justified *bool            `json:"justified"`
	Comment   *string          `json:"comment"`
}

// BulkDeleteFilter selects absences of one branch's trainees within an
// inclusive date range, optionally narrowed to one trainee and one subject.
type BulkDeleteFilter struct {
	Branch    string `json:"-" validate:"required"`
	TraineeID string `json:"trainee_id"`
	SubjectID string `json:"subject_id"`
	From      string `json:"from" validate:"required,datetime=2006-01-02"`
	To        string `json:"to" validate:"required,datetime=2006-01-02"`
}

// =============================================================================
// VALIDATOR
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json names so errors match what the caller sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return strings.ToLower(f.Name)
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return v
}

// Validate checks input against its struct tags.
func Validate(input interface{}) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate")
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: rule})
	}
	return out
}

func (in *TraineeInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.ParentPhone = strings.TrimSpace(in.ParentPhone)
	in.Specialty = strings.TrimSpace(in.Specialty)
	in.StartDate = strings.TrimSpace(in.StartDate)
}

func (in *TraineeUpdate) normalize() {
	trimPtr(in.Name, in.Phone, in.ParentPhone, in.Specialty, in.StartDate)
}

func (in *SubjectInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Specialties = cleanSpecialties(in.Specialties)
}

func (in *SubjectUpdate) normalize() {
	trimPtr(in.Name)
	if in.Specialties != nil {
		in.Specialties = cleanSpecialties(in.Specialties)
	}
}

func (in *AbsenceInput) normalize() {
	in.TraineeID = strings.TrimSpace(in.TraineeID)
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.Date = strings.TrimSpace(in.Date)
	in.Comment = strings.TrimSpace(in.Comment)
}

func (in *AbsenceUpdate) normalize() {
	trimPtr(in.SubjectID, in.Date, in.Comment)
}

// Period parses and checks the filter's range.
func (f BulkDeleteFilter) Period() (Period, error) {
	if err := Validate(f); err != nil {
		return Period{}, err
	}
	from, _ := time.Parse(DateLayout, f.From)
	to, _ := time.Parse(DateLayout, f.To)
	return CustomPeriod(from, to)
}

func trimPtr(ps ...*string) {
	for _, p := range ps {
		if p != nil {
			*p = strings.TrimSpace(*p)
		}
	}
}

// cleanSpecialties trims, drops blanks and duplicates, and keeps order.
// Commas inside an entry would split it on reload, so they are split here.
func cleanSpecialties(in []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, s := range in {
		for _, p := range SplitSpecialties(s) {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
