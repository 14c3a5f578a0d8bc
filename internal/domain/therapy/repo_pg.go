package therapy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayurcare/emr/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const activeCycleIndex = "uq_therapy_cycle_active_patient"

type cycleRepoPG struct{ pool *pgxpool.Pool }

func NewCycleRepoPG(pool *pgxpool.Pool) CycleRepository {
	return &cycleRepoPG{pool: pool}
}

func (r *cycleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// classify maps driver errors onto the package's sentinel errors.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == activeCycleIndex:
			return ErrActiveCycleExists
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: %s", ErrInvalidReference, pgErr.Detail)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// -- Cycles --

const cycleCols = `c.id, c.patient_id, c.doctor_id, c.therapy_name, c.status, c.progress,
	c.start_date, c.end_date, c.created_at, c.updated_at`

func scanCycle(row pgx.Row) (*Cycle, error) {
	var c Cycle
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.TherapyName, &c.Status, &c.Progress,
		&c.StartDate, &c.EndDate, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *cycleRepoPG) LockPatient(ctx context.Context, patientID int64) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, patientID)
	return classify(err, "lock patient")
}

func (r *cycleRepoPG) GetActiveByPatient(ctx context.Context, patientID int64) (*Cycle, error) {
	c, err := scanCycle(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cycleCols+` FROM therapy_cycle c WHERE c.patient_id = $1 AND c.status = 'active'`, patientID))
	return c, classify(err, "get active cycle")
}

func (r *cycleRepoPG) GetActiveByPatientForUpdate(ctx context.Context, patientID int64) (*Cycle, error) {
	c, err := scanCycle(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cycleCols+` FROM therapy_cycle c WHERE c.patient_id = $1 AND c.status = 'active' FOR UPDATE`, patientID))
	return c, classify(err, "lock active cycle")
}

func (r *cycleRepoPG) GetForUpdate(ctx context.Context, cycleID int64) (*Cycle, error) {
	c, err := scanCycle(r.conn(ctx).QueryRow(ctx,
		`SELECT `+cycleCols+` FROM therapy_cycle c WHERE c.id = $1 FOR UPDATE`, cycleID))
	return c, classify(err, "lock cycle")
}

func (r *cycleRepoPG) Create(ctx context.Context, c *Cycle) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO therapy_cycle (patient_id, doctor_id, therapy_name, status, progress, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		c.PatientID, c.DoctorID, c.TherapyName, c.Status, c.Progress, c.StartDate, c.EndDate,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return classify(err, "insert cycle")
}

func (r *cycleRepoPG) UpdateProgress(ctx context.Context, cycleID int64, progress int, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE therapy_cycle SET progress = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, cycleID, progress, status)
	if err != nil {
		return classify(err, "update cycle progress")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cycleRepoPG) Delete(ctx context.Context, cycleID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM therapy_cycle WHERE id = $1`, cycleID)
	if err != nil {
		return classify(err, "delete cycle")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cycleRepoPG) DoctorLoads(ctx context.Context) ([]DoctorLoad, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT u.id, COUNT(c.id)
		FROM app_user u
		LEFT JOIN therapy_cycle c ON c.doctor_id = u.id AND c.status = 'active'
		WHERE u.role = 'doctor'
		GROUP BY u.id
		ORDER BY u.id`)
	if err != nil {
		return nil, classify(err, "doctor loads")
	}
	defer rows.Close()

	var loads []DoctorLoad
	for rows.Next() {
		var l DoctorLoad
		if err := rows.Scan(&l.DoctorID, &l.ActiveCycles); err != nil {
			return nil, classify(err, "scan doctor load")
		}
		loads = append(loads, l)
	}
	return loads, classify(rows.Err(), "doctor loads")
}

// -- Stages --

const stageCols = `id, cycle_id, name, stage_date, status, phase, completed_at`

func scanStage(row pgx.Row) (*Stage, error) {
	var s Stage
	if err := row.Scan(&s.ID, &s.CycleID, &s.Name, &s.Date, &s.Status, &s.Phase, &s.CompletedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateStages inserts every stage in one round trip and fills in their ids.
func (r *cycleRepoPG) CreateStages(ctx context.Context, stages []*Stage) error {
	if len(stages) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range stages {
		batch.Queue(`
			INSERT INTO therapy_stage (cycle_id, name, stage_date, status, phase)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`, s.CycleID, s.Name, s.Date, s.Status, s.Phase)
	}

	br := r.conn(ctx).SendBatch(ctx, batch)
	for _, s := range stages {
		if err := br.QueryRow().Scan(&s.ID); err != nil {
			br.Close()
			return classify(err, "insert stage")
		}
	}
	return classify(br.Close(), "insert stages")
}

func (r *cycleRepoPG) GetStage(ctx context.Context, stageID int64) (*Stage, error) {
	s, err := scanStage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+stageCols+` FROM therapy_stage WHERE id = $1`, stageID))
	return s, classify(err, "get stage")
}

func (r *cycleRepoPG) GetStageForUpdate(ctx context.Context, stageID int64) (*Stage, error) {
	s, err := scanStage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+stageCols+` FROM therapy_stage WHERE id = $1 FOR UPDATE`, stageID))
	return s, classify(err, "lock stage")
}

func (r *cycleRepoPG) CompleteStage(ctx context.Context, stageID int64, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE therapy_stage SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status <> 'completed'`, stageID, at)
	if err != nil {
		return classify(err, "complete stage")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *cycleRepoPG) CountStages(ctx context.Context, cycleID int64) (int, int, error) {
	var completed, total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'), COUNT(*)
		FROM therapy_stage WHERE cycle_id = $1`, cycleID).Scan(&completed, &total)
	if err != nil {
		return 0, 0, classify(err, "count stages")
	}
	return completed, total, nil
}

func (r *cycleRepoPG) ListStages(ctx context.Context, cycleID int64) ([]*Stage, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+stageCols+` FROM therapy_stage
		WHERE cycle_id = $1
		ORDER BY stage_date, id`, cycleID)
	if err != nil {
		return nil, classify(err, "list stages")
	}
	defer rows.Close()

	var stages []*Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, classify(err, "scan stage")
		}
		stages = append(stages, s)
	}
	return stages, classify(rows.Err(), "list stages")
}

func (r *cycleRepoPG) DeleteStages(ctx context.Context, cycleID int64) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM therapy_stage WHERE cycle_id = $1`, cycleID)
	return classify(err, "delete stages")
}

// -- Projections --

const viewSelect = `SELECT ` + cycleCols + `, d.name, p.name, p.birth_date
	FROM therapy_cycle c
	LEFT JOIN app_user d ON d.id = c.doctor_id
	LEFT JOIN app_user p ON p.id = c.patient_id`

func scanView(row pgx.Row) (*CycleView, error) {
	var v CycleView
	c := &v.Cycle
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.TherapyName, &c.Status, &c.Progress,
		&c.StartDate, &c.EndDate, &c.CreatedAt, &c.UpdatedAt,
		&v.DoctorName, &v.PatientName, &v.PatientBirthDate)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *cycleRepoPG) GetView(ctx context.Context, cycleID int64) (*CycleView, error) {
	v, err := scanView(r.conn(ctx).QueryRow(ctx, viewSelect+` WHERE c.id = $1`, cycleID))
	return v, classify(err, "get cycle")
}

func (r *cycleRepoPG) GetActiveView(ctx context.Context, patientID int64) (*CycleView, error) {
	v, err := scanView(r.conn(ctx).QueryRow(ctx,
		viewSelect+` WHERE c.patient_id = $1 AND c.status = 'active'`, patientID))
	return v, classify(err, "get active cycle")
}

func (r *cycleRepoPG) ListActiveViews(ctx context.Context, limit, offset int) ([]*CycleView, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM therapy_cycle WHERE status = 'active'`).Scan(&total); err != nil {
		return nil, 0, classify(err, "count active cycles")
	}

	rows, err := r.conn(ctx).Query(ctx,
		viewSelect+` WHERE c.status = 'active' ORDER BY c.start_date DESC, c.id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, classify(err, "list active cycles")
	}
	defer rows.Close()

	var views []*CycleView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, 0, classify(err, "scan cycle")
		}
		views = append(views, v)
	}
	return views, total, classify(rows.Err(), "list active cycles")
}
