package therapy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayurcare/emr/internal/domain/identity"
	"github.com/ayurcare/emr/internal/platform/db"
	"github.com/ayurcare/emr/migrations"
)

// These tests run against a real Postgres when TEST_DATABASE_URL (or
// DATABASE_URL) is set. Each test migrates its own throwaway clinic schema.

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("set TEST_DATABASE_URL to run Postgres integration tests")
	}
	pool, err := db.NewPool(context.Background(), url, 8, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// clinicCtx migrates a fresh clinic schema and returns a context pinned to it.
func clinicCtx(t *testing.T, pool *pgxpool.Pool) (context.Context, string) {
	t.Helper()
	ctx := context.Background()
	clinic := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	require.NoError(t, db.CreateClinicSchema(ctx, pool, clinic, migrations.FS))
	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", db.ClinicSchema(clinic))); err != nil {
			t.Logf("drop schema %s: %v", clinic, err)
		}
	})
	return withClinic(t, pool, clinic), clinic
}

func withClinic(t *testing.T, pool *pgxpool.Pool, clinic string) context.Context {
	t.Helper()
	ctx, release, err := db.WithClinic(context.Background(), pool, clinic)
	require.NoError(t, err)
	t.Cleanup(release)
	return ctx
}

func createUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name, role string) *identity.User {
	t.Helper()
	u := &identity.User{Name: name, Email: strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@clinic.test", Role: role}
	require.NoError(t, identity.NewUserRepoPG(pool).Create(ctx, u))
	return u
}

func TestCycleRepoPG_Lifecycle(t *testing.T) {
	pool := testPool(t)
	ctx, _ := clinicCtx(t, pool)
	repo := NewCycleRepoPG(pool)
	tx := db.NewTxManager(pool)

	doctor := createUser(t, ctx, pool, "Dr Iyer", identity.RoleDoctor)
	patient := createUser(t, ctx, pool, "Asha Menon", identity.RolePatient)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	cycle := &Cycle{PatientID: patient.ID, DoctorID: &doctor.ID, TherapyName: "Virechana",
		Status: CycleStatusActive, StartDate: start}
	stages := SchedulePlan(GeneratePlan("Virechana", 7), start)

	err := tx.InTx(ctx, func(ctx context.Context) error {
		if err := repo.LockPatient(ctx, patient.ID); err != nil {
			return err
		}
		if _, err := repo.GetActiveByPatientForUpdate(ctx, patient.ID); !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("expected no active cycle, got %v", err)
		}
		if err := repo.Create(ctx, cycle); err != nil {
			return err
		}
		for _, s := range stages {
			s.CycleID = cycle.ID
		}
		return repo.CreateStages(ctx, stages)
	})
	require.NoError(t, err)
	require.NotZero(t, cycle.ID)
	for _, s := range stages {
		assert.NotZero(t, s.ID, "batch insert fills ids")
	}

	active, err := repo.GetActiveByPatient(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, cycle.ID, active.ID)
	assert.True(t, start.Equal(active.StartDate))

	listed, err := repo.ListStages(ctx, cycle.ID)
	require.NoError(t, err)
	require.Len(t, listed, 7)
	assert.Equal(t, stages[0].ID, listed[0].ID)
	assert.True(t, start.Equal(listed[0].Date))
	assert.Equal(t, PhasePurvakarma, listed[0].Phase)

	// Complete two stages under row locks, then count with the FILTER query.
	at := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	err = tx.InTx(ctx, func(ctx context.Context) error {
		for _, id := range []int64{stages[0].ID, stages[1].ID} {
			st, err := repo.GetStageForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if _, err := repo.GetForUpdate(ctx, st.CycleID); err != nil {
				return err
			}
			if err := repo.CompleteStage(ctx, id, at); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, repo.CompleteStage(ctx, stages[0].ID, at), ErrNotFound, "already completed")

	done, total, err := repo.CountStages(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, 7, total)

	st, err := repo.GetStage(ctx, stages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StageStatusCompleted, st.Status)
	require.NotNil(t, st.CompletedAt)
	assert.True(t, at.Equal(*st.CompletedAt))

	require.NoError(t, repo.UpdateProgress(ctx, cycle.ID, 28, CycleStatusActive))
	view, err := repo.GetActiveView(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 28, view.Progress)
	require.NotNil(t, view.DoctorName)
	assert.Equal(t, "Dr Iyer", *view.DoctorName)

	loads, err := repo.DoctorLoads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DoctorLoad{{DoctorID: doctor.ID, ActiveCycles: 1}}, loads)

	views, count, err := repo.ListActiveViews(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, views, 1)

	require.NoError(t, repo.DeleteStages(ctx, cycle.ID))
	require.NoError(t, repo.Delete(ctx, cycle.ID))
	assert.ErrorIs(t, repo.Delete(ctx, cycle.ID), ErrNotFound)
	assert.ErrorIs(t, repo.UpdateProgress(ctx, cycle.ID, 50, CycleStatusActive), ErrNotFound)
	_, err = repo.GetActiveByPatient(ctx, patient.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCycleRepoPG_ConstraintErrors(t *testing.T) {
	pool := testPool(t)
	ctx, _ := clinicCtx(t, pool)
	repo := NewCycleRepoPG(pool)
	patient := createUser(t, ctx, pool, "Ravi Nair", identity.RolePatient)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &Cycle{PatientID: patient.ID, TherapyName: "Basti", Status: CycleStatusActive, StartDate: start}))

	err := repo.Create(ctx, &Cycle{PatientID: patient.ID, TherapyName: "Nasya", Status: CycleStatusActive, StartDate: start})
	assert.ErrorIs(t, err, ErrActiveCycleExists)

	// A completed cycle does not count against the active index.
	require.NoError(t, repo.Create(ctx, &Cycle{PatientID: patient.ID, TherapyName: "Nasya", Status: CycleStatusCompleted, StartDate: start}))

	err = repo.Create(ctx, &Cycle{PatientID: 987654, TherapyName: "Basti", Status: CycleStatusActive, StartDate: start})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestCycleRepoPG_PatientLockBlocksSecondTransaction(t *testing.T) {
	pool := testPool(t)
	first, clinic := clinicCtx(t, pool)
	second := withClinic(t, pool, clinic)
	repo := NewCycleRepoPG(pool)
	tx := db.NewTxManager(pool)

	locked, release := make(chan struct{}), make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- tx.InTx(first, func(ctx context.Context) error {
			if err := repo.LockPatient(ctx, 42); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// A cancelled query closes its connection, so wait on a spare one.
	short, cancel := context.WithTimeout(withClinic(t, pool, clinic), 200*time.Millisecond)
	err := tx.InTx(short, func(ctx context.Context) error { return repo.LockPatient(ctx, 42) })
	cancel()
	assert.Error(t, err, "lock must be held by the first transaction")

	// Another patient is not blocked.
	require.NoError(t, tx.InTx(second, func(ctx context.Context) error { return repo.LockPatient(ctx, 43) }))

	close(release)
	require.NoError(t, <-holder)
	require.NoError(t, tx.InTx(second, func(ctx context.Context) error { return repo.LockPatient(ctx, 42) }))
}

func TestService_ConcurrentRequestsOnPostgres(t *testing.T) {
	pool := testPool(t)
	ctx, clinic := clinicCtx(t, pool)
	users := identity.NewService(identity.NewUserRepoPG(pool))
	repo := NewCycleRepoPG(pool)
	createUser(t, ctx, pool, "Dr Rao", identity.RoleDoctor)
	patient := createUser(t, ctx, pool, "Kiran Das", identity.RolePatient)

	svc := NewService(repo, users, db.NewTxManager(pool), zerolog.Nop())

	const callers = 4
	ctxs := make([]context.Context, callers)
	for i := range ctxs {
		ctxs[i] = withClinic(t, pool, clinic)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		conflict int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			_, err := svc.RequestCycle(ctx, CycleRequest{PatientID: patient.ID, TherapyName: "Basti", TotalDays: 14})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, ErrActiveCycleExists):
				conflict++
			}
		}(ctxs[i])
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, conflict)

	view, err := svc.GetActiveCycle(ctx, patient.ID)
	require.NoError(t, err)
	require.NotNil(t, view)
	require.NotNil(t, view.DoctorID, "a doctor is assigned")
	done, total, err := repo.CountStages(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, 14, total)

	res, err := svc.MarkStageComplete(ctx, view.Stages[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 7, res.Progress)
}
