/*
Package attendance holds the domain tables of the training center and the
rules that read them.

PURPOSE:
  Four flat relations live in the backing spreadsheet:
    Trainees           - who attends, per branch and specialty
    Subjects           - what is taught, with the total course hours
    Absences           - hours missed by one trainee in one subject on one day
    Notifications_Log  - append-only audit of generated notifications

  This package maps spreadsheet rows to Go types, validates input before
  any write, and computes the 10% absence threshold views.

FOREIGN KEYS:
  Absence.TraineeID and Absence.SubjectID reference ids in the other
  tables. The store does NOT enforce them. Repository.CheckReferences is the
  explicit application-level check, used when one absence is recorded by
  hand. Imports and deletes never cascade.

BRANCH PARTITION:
  Every query is scoped to a branch. The branch column stores the branch
  display name ("Menzel Bourguiba"), which existing spreadsheets use.

KEY FILES:
  schema.go      - table names and header rows (the on-store contract)
  types.go       - record types and string coercion
  repository.go  - typed CRUD over sheet.Store
  aggregate.go   - exceeded set, standing, period report
  period.go      - day / week / month / custom periods
  importer.go    - CSV / XLSX bulk absence import

SEE ALSO:
  - sheet/store.go: the record store this package sits on
  - notify/: renders what aggregate.go computes
*/
package attendance

import "github.com/megaformation/attendance-hub/sheet"

// =============================================================================
// TABLES - Header rows are the on-store contract; do not reorder
// =============================================================================

// Column names shared by several tables.
const (
	ColID        = "id"
	ColBranch    = "branche"
	ColTraineeID = "trainee_id"
	ColSubjectID = "subject_id"
)

var (
	Trainees = sheet.Table{
		Name:    "Trainees",
		Columns: []string{ColID, "nom", "telephone", "tel_parent", ColBranch, "specialite", "date_debut", "actif"},
	}

	Subjects = sheet.Table{
		Name:    "Subjects",
		Columns: []string{ColID, "nom_matiere", ColBranch, "specialites", "heures_totales", "heures_semaine"},
	}

	Absences = sheet.Table{
		Name:    "Absences",
		Columns: []string{ColID, ColTraineeID, ColSubjectID, "date", "heures_absence", "justifie", "commentaire"},
	}

	NotificationLog = sheet.Table{
		Name:    "Notifications_Log",
		Columns: []string{ColID, ColTraineeID, "phone", "target", ColBranch, "period_from", "period_to", "period_label", "sent_at_iso"},
	}
)

// Tables lists every domain table, in creation order.
func Tables() []sheet.Table {
	return []sheet.Table{Trainees, Subjects, Absences, NotificationLog}
}
