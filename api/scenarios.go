/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the session branch with realistic data that walks through
	the 10% rule. Each scenario clears the branch first, then creates
	subjects, trainees and absences dated relative to today.

AVAILABLE SCENARIOS:

	new-intake:       Fresh cohort, subjects and trainees, no absences yet
	threshold-edges:  One trainee per edge of the 10% rule
	monthly-review:   Absences spread over three months for period notices

HOW SCENARIOS WORK:
 1. Clear the branch (other branches are untouched)
 2. Create subjects
 3. Create trainees
 4. Record absences

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "threshold-edges"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' with ID, name, description
 2. Write a loader: func(ctx, seeder) error
 3. Register it in scenarioLoaders

NOTE:

	Scenarios erase the branch. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the routes scenarios are meant to be explored with
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/megaformation/attendance-hub/attendance"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-intake",
		Name:        "New Intake",
		Description: "Two specialties, four subjects, five trainees, no absences yet",
	},
	{
		ID:          "threshold-edges",
		Name:        "Threshold Edges",
		Description: "Trainees exactly at, just over and far under the 10% limit, justified-only absences, a trainee without phone",
	},
	{
		ID:          "monthly-review",
		Name:        "Monthly Review",
		Description: "Absences spread over the last three months for period and batch notices",
	},
}

type scenarioLoader func(ctx context.Context, s *seeder) error

var scenarioLoaders = map[string]scenarioLoader{
	"new-intake":      loadNewIntake,
	"threshold-edges": loadThresholdEdges,
	"monthly-review":  loadMonthlyReview,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario last loaded into the session
// branch, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenarios[h.branch(r)]
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario clears the session branch and loads a scenario into it.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	branch := h.branch(r)
	if err := h.loadScenario(r.Context(), branch, load, attendance.Today()); err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenarios[branch] = req.ScenarioID
	h.mu.Unlock()

	h.log.Info("scenario loaded", zap.String("branch", branch), zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, branch string, load scenarioLoader, today time.Time) error {
	if err := h.Repo.ClearBranch(ctx, branch); err != nil {
		return errors.Wrap(err, "clear branch")
	}
	s := &seeder{repo: h.Repo, branch: branch, today: today, ids: map[string]string{}}
	return load(ctx, s)
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder creates records and remembers their ids under short keys.
type seeder struct {
	repo   *attendance.Repository
	branch string
	today  time.Time
	ids    map[string]string
}

func (s *seeder) subject(ctx context.Context, key, name, totalHours string, specialties ...string) error {
	sub, err := s.repo.CreateSubject(ctx, s.branch, attendance.SubjectInput{
		Name:        name,
		Specialties: specialties,
		TotalHours:  decimal.RequireFromString(totalHours),
		WeeklyHours: decimal.NewFromInt(2),
	})
	if err != nil {
		return errors.Wrapf(err, "subject %s", name)
	}
	s.ids[key] = sub.ID
	return nil
}

func (s *seeder) trainee(ctx context.Context, key, name, phone, parentPhone, specialty string) error {
	t, err := s.repo.CreateTrainee(ctx, s.branch, attendance.TraineeInput{
		Name:        name,
		Phone:       phone,
		ParentPhone: parentPhone,
		Specialty:   specialty,
		StartDate:   s.today.AddDate(0, -4, 0).Format(attendance.DateLayout),
	})
	if err != nil {
		return errors.Wrapf(err, "trainee %s", name)
	}
	s.ids[key] = t.ID
	return nil
}

// absence records hours for trainee in subject daysAgo days before today.
func (s *seeder) absence(ctx context.Context, trainee, subject string, daysAgo int, hours string, justified bool) error {
	_, err := s.repo.CreateAbsence(ctx, s.branch, attendance.AbsenceInput{
		TraineeID: s.ids[trainee],
		SubjectID: s.ids[subject],
		Date:      s.today.AddDate(0, 0, -daysAgo).Format(attendance.DateLayout),
		Hours:     decimal.RequireFromString(hours),
		Justified: justified,
	})
	return errors.Wrapf(err, "absence %s/%s", trainee, subject)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func seedCohort(ctx context.Context, s *seeder) error {
	// Limits: grammar 4h, oral 3h, office 6h, networks 4h
	subjects := []struct{ key, name, hours, specialty string }{
		{"grammar", "Grammaire", "40", "Anglais A2"},
		{"oral", "Expression orale", "30", "Anglais A2"},
		{"office", "Bureautique", "60", "Informatique"},
		{"networks", "Réseaux", "40", "Informatique"},
	}
	for _, sub := range subjects {
		if err := s.subject(ctx, sub.key, sub.name, sub.hours, sub.specialty); err != nil {
			return err
		}
	}

	trainees := []struct{ key, name, phone, parent, specialty string }{
		{"amine", "Amine Ben Ali", "20 111 222", "98 111 222", "Anglais A2"},
		{"sarra", "Sarra Trabelsi", "21 333 444", "", "Anglais A2"},
		{"yassine", "Yassine Gharbi", "22 555 666", "97 555 666", "Informatique"},
		{"nour", "Nour Jebali", "23 777 888", "96 777 888", "Informatique"},
		{"hedi", "Hédi Mansour", "-", "", "Anglais A2"},
	}
	for _, t := range trainees {
		if err := s.trainee(ctx, t.key, t.name, t.phone, t.parent, t.specialty); err != nil {
			return err
		}
	}
	return nil
}

func loadNewIntake(ctx context.Context, s *seeder) error {
	return seedCohort(ctx, s)
}

func loadThresholdEdges(ctx context.Context, s *seeder) error {
	if err := seedCohort(ctx, s); err != nil {
		return err
	}
	absences := []struct {
		trainee, subject string
		daysAgo          int
		hours            string
		justified        bool
	}{
		// Amine: exactly at the grammar limit (excluded, not exceeded)
		{"amine", "grammar", 3, "2", false},
		{"amine", "grammar", 10, "2", false},
		// Sarra: just over in grammar and oral
		{"sarra", "grammar", 2, "4.5", false},
		{"sarra", "oral", 5, "3.25", false},
		// Yassine: many hours, all justified
		{"yassine", "office", 1, "8", true},
		{"yassine", "networks", 4, "6", true},
		// Nour: far under
		{"nour", "office", 6, "1.5", false},
		// Hédi: over the limit but no phone
		{"hedi", "oral", 8, "4", false},
	}
	for _, a := range absences {
		if err := s.absence(ctx, a.trainee, a.subject, a.daysAgo, a.hours, a.justified); err != nil {
			return err
		}
	}
	return nil
}

func loadMonthlyReview(ctx context.Context, s *seeder) error {
	if err := seedCohort(ctx, s); err != nil {
		return err
	}
	for month := 0; month < 3; month++ {
		base := month * 30
		absences := []struct {
			trainee, subject string
			daysAgo          int
			hours            string
			justified        bool
		}{
			{"amine", "grammar", base + 2, "1", false},
			{"amine", "oral", base + 9, "1.5", month == 1},
			{"sarra", "oral", base + 4, "1", false},
			{"yassine", "office", base + 12, "2", false},
			{"nour", "networks", base + 20, "1", true},
		}
		for _, a := range absences {
			if err := s.absence(ctx, a.trainee, a.subject, a.daysAgo, a.hours, a.justified); err != nil {
				return err
			}
		}
	}
	return nil
}
