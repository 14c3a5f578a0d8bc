package therapy

import "time"

const (
	CycleStatusActive    = "active"
	CycleStatusCompleted = "completed"

	StageStatusPending   = "pending"
	StageStatusActive    = "active"
	StageStatusCompleted = "completed"

	PhasePurvakarma    = "Purvakarma"
	PhasePradhanakarma = "Pradhanakarma"
	PhasePaschatkarma  = "Paschatkarma"
	// PhaseTherapy tags stages that are not part of a classical plan.
	PhaseTherapy = "therapy"
)

// Cycle is one course of therapy for a patient. Progress is the rounded
// percentage of its stages that are completed.
type Cycle struct {
	ID          int64      `json:"id"`
	PatientID   int64      `json:"patient_id"`
	DoctorID    *int64     `json:"doctor_id"`
	TherapyName string     `json:"therapy_name"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Stage is one scheduled day of a cycle.
type Stage struct {
	ID          int64      `json:"id"`
	CycleID     int64      `json:"cycle_id"`
	Name        string     `json:"name"`
	Date        time.Time  `json:"date"`
	Status      string     `json:"status"`
	Phase       string     `json:"phase"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CycleView is the read projection of a cycle joined with the names of its
// doctor and patient. Missing people render as null.
type CycleView struct {
	Cycle
	DoctorName  *string  `json:"doctor_name"`
	PatientName *string  `json:"patient_name"`
	PatientAge  *int     `json:"patient_age"`
	Stages      []*Stage `json:"stages,omitempty"`

	PatientBirthDate *time.Time `json:"-"`
}

// CycleRequest asks for a new cycle. A zero TotalDays selects the short plan;
// a nil StartDate means today; a nil DoctorID defers to the assignment policy.
type CycleRequest struct {
	PatientID   int64
	TherapyName string
	TotalDays   int
	StartDate   *time.Time
	DoctorID    *int64
}

// StageCompletion reports the outcome of completing a stage. Changed is false
// when the stage was already completed.
type StageCompletion struct {
	StageID     int64  `json:"stage_id"`
	CycleID     int64  `json:"cycle_id"`
	PatientID   int64  `json:"patient_id"`
	Progress    int    `json:"progress"`
	CycleStatus string `json:"cycle_status"`
	Changed     bool   `json:"changed"`
}

// DoctorLoad is the number of active cycles assigned to a doctor.
type DoctorLoad struct {
	DoctorID     int64
	ActiveCycles int
}
