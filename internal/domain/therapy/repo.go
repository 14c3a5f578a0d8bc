package therapy

import (
	"context"
	"time"
)

// CycleRepository persists cycles and their stages. Methods that lock rows
// must run inside a transaction from TxRunner.
type CycleRepository interface {
	DoctorLoadSource

	// LockPatient serialises cycle creation for one patient until the
	// surrounding transaction ends.
	LockPatient(ctx context.Context, patientID int64) error
	GetActiveByPatient(ctx context.Context, patientID int64) (*Cycle, error)
	GetActiveByPatientForUpdate(ctx context.Context, patientID int64) (*Cycle, error)
	GetForUpdate(ctx context.Context, cycleID int64) (*Cycle, error)
	Create(ctx context.Context, c *Cycle) error
	UpdateProgress(ctx context.Context, cycleID int64, progress int, status string) error
	Delete(ctx context.Context, cycleID int64) error

	CreateStages(ctx context.Context, stages []*Stage) error
	GetStage(ctx context.Context, stageID int64) (*Stage, error)
	GetStageForUpdate(ctx context.Context, stageID int64) (*Stage, error)
	CompleteStage(ctx context.Context, stageID int64, at time.Time) error
	CountStages(ctx context.Context, cycleID int64) (completed, total int, err error)
	ListStages(ctx context.Context, cycleID int64) ([]*Stage, error)
	DeleteStages(ctx context.Context, cycleID int64) error

	GetView(ctx context.Context, cycleID int64) (*CycleView, error)
	GetActiveView(ctx context.Context, patientID int64) (*CycleView, error)
	ListActiveViews(ctx context.Context, limit, offset int) ([]*CycleView, int, error)
}

// TxRunner runs fn inside one transaction carried by the context it passes.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
