package therapy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ayurcare/emr/internal/domain/identity"
	"github.com/ayurcare/emr/internal/platform/db"
	"github.com/ayurcare/emr/internal/platform/events"
)

const maxTherapyNameLen = 200

// Service runs the therapy cycle lifecycle. Every multi-step change happens
// in one transaction; caches and subscribers are told only after commit.
type Service struct {
	cycles     CycleRepository
	users      UserDirectory
	tx         TxRunner
	assign     DoctorAssignmentPolicy
	completion CompletionPolicy
	events     events.Publisher
	cache      CycleCache
	access     func(ctx context.Context, patientID int64) bool
	now        func() time.Time
	logger     zerolog.Logger
}

func NewService(cycles CycleRepository, users UserDirectory, tx TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		cycles:     cycles,
		users:      users,
		tx:         tx,
		assign:     FirstAvailableDoctor{Users: users},
		completion: CompletionManual,
		events:     events.Nop{},
		cache:      nopCache{},
		now:        time.Now,
		logger:     logger.With().Str("component", "therapy").Logger(),
	}
}

func (s *Service) SetAssignmentPolicy(p DoctorAssignmentPolicy) { s.assign = p }

func (s *Service) SetCompletionPolicy(p CompletionPolicy) { s.completion = p }

func (s *Service) SetPublisher(p events.Publisher) { s.events = p }

func (s *Service) SetCache(c CycleCache) { s.cache = c }

// SetAccessCheck installs the rule deciding whether the caller may act on a
// patient's cycles. Without one every caller is allowed.
func (s *Service) SetAccessCheck(fn func(ctx context.Context, patientID int64) bool) { s.access = fn }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) authorize(ctx context.Context, patientID int64) error {
	if s.access == nil || s.access(ctx, patientID) {
		return nil
	}
	return ErrForbidden
}

// RequestCycle opens a new cycle with a generated stage plan for a patient
// that has no active cycle.
func (s *Service) RequestCycle(ctx context.Context, req CycleRequest) (*CycleView, error) {
	if req.PatientID <= 0 {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	name := strings.TrimSpace(req.TherapyName)
	if name == "" {
		name = DefaultTherapyName
	}
	if utf8.RuneCountInString(name) > maxTherapyNameLen {
		return nil, fmt.Errorf("%w: therapy_name exceeds %d characters", ErrValidation, maxTherapyNameLen)
	}
	if req.DoctorID != nil && *req.DoctorID <= 0 {
		return nil, fmt.Errorf("%w: doctor_id must be positive", ErrValidation)
	}
	if err := s.authorize(ctx, req.PatientID); err != nil {
		return nil, err
	}

	patient, err := s.lookupUser(ctx, req.PatientID, identity.RolePatient)
	if err != nil {
		return nil, err
	}

	policy := s.assign
	if req.DoctorID != nil {
		policy = ExplicitDoctor(*req.DoctorID)
	}
	doctorID, err := policy.AssignDoctor(ctx)
	if err != nil {
		return nil, fmt.Errorf("assign doctor: %w", err)
	}
	var doctor *identity.User
	if doctorID != nil {
		if doctor, err = s.lookupUser(ctx, *doctorID, identity.RoleDoctor); err != nil {
			return nil, err
		}
	}

	start := DateOf(s.now())
	if req.StartDate != nil {
		start = DateOf(*req.StartDate)
	}
	stages := SchedulePlan(GeneratePlan(name, req.TotalDays), start)
	end := stages[len(stages)-1].Date

	cycle := &Cycle{
		PatientID:   req.PatientID,
		DoctorID:    doctorID,
		TherapyName: name,
		Status:      CycleStatusActive,
		Progress:    0,
		StartDate:   start,
		EndDate:     &end,
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.cycles.LockPatient(ctx, req.PatientID); err != nil {
			return err
		}
		_, err := s.cycles.GetActiveByPatient(ctx, req.PatientID)
		if err == nil {
			return ErrActiveCycleExists
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.cycles.Create(ctx, cycle); err != nil {
			return err
		}
		for _, st := range stages {
			st.CycleID = cycle.ID
		}
		return s.cycles.CreateStages(ctx, stages)
	})
	if err != nil {
		return nil, err
	}

	view := &CycleView{
		Cycle:            *cycle,
		PatientName:      &patient.Name,
		PatientBirthDate: patient.BirthDate,
		PatientAge:       AgeAt(patient.BirthDate, s.now()),
		Stages:           stages,
	}
	if doctor != nil {
		view.DoctorName = &doctor.Name
	}

	s.logger.Info().
		Int64("cycle_id", cycle.ID).
		Int64("patient_id", cycle.PatientID).
		Str("therapy", cycle.TherapyName).
		Int("stages", len(stages)).
		Msg("therapy cycle created")

	s.afterCommit(ctx, cycle.PatientID,
		events.New(EventCycleCreated, resourceCycle, formatID(cycle.ID), view,
			PatientTopic(cycle.PatientID), CyclesTopic))
	return view, nil
}

// lookupUser loads a referenced user and checks its role.
func (s *Service) lookupUser(ctx context.Context, id int64, role string) (*identity.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %d", ErrInvalidReference, role, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %d: %w", role, id, err)
	}
	if u.Role != role {
		return nil, fmt.Errorf("%w: user %d is not a %s", ErrValidation, id, role)
	}
	return u, nil
}

// MarkStageComplete completes a stage and recomputes the owning cycle's
// progress in the same transaction. Completing a completed stage is a no-op
// reported with Changed=false.
func (s *Service) MarkStageComplete(ctx context.Context, stageID int64) (*StageCompletion, error) {
	if stageID <= 0 {
		return nil, fmt.Errorf("%w: stage id must be positive", ErrValidation)
	}

	var (
		result         *StageCompletion
		cycleCompleted bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		stage, err := s.cycles.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		// Cycle before stage, the same order CancelCycle takes its locks.
		cycle, err := s.cycles.GetForUpdate(ctx, stage.CycleID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, cycle.PatientID); err != nil {
			return err
		}
		if stage, err = s.cycles.GetStageForUpdate(ctx, stageID); err != nil {
			return err
		}

		changed := false
		if stage.Status != StageStatusCompleted {
			if err := s.cycles.CompleteStage(ctx, stageID, s.now().UTC()); err != nil {
				return err
			}
			changed = true
		}

		completed, total, err := s.cycles.CountStages(ctx, cycle.ID)
		if err != nil {
			return err
		}
		progress := Progress(completed, total)
		status := s.completion.nextStatus(cycle.Status, progress)
		if progress != cycle.Progress || status != cycle.Status {
			if err := s.cycles.UpdateProgress(ctx, cycle.ID, progress, status); err != nil {
				return err
			}
		}
		cycleCompleted = status == CycleStatusCompleted && cycle.Status != CycleStatusCompleted

		result = &StageCompletion{
			StageID:     stageID,
			CycleID:     cycle.ID,
			PatientID:   cycle.PatientID,
			Progress:    progress,
			CycleStatus: status,
			Changed:     changed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Changed {
		s.afterCommit(ctx, result.PatientID)
		return result, nil
	}

	s.logger.Info().
		Int64("stage_id", stageID).
		Int64("cycle_id", result.CycleID).
		Int64("patient_id", result.PatientID).
		Int("progress", result.Progress).
		Msg("therapy stage completed")

	topics := []string{PatientTopic(result.PatientID), CyclesTopic}
	evts := []events.Event{
		events.New(EventStageCompleted, resourceStage, formatID(stageID), result, topics...),
	}
	if cycleCompleted {
		s.logger.Info().Int64("cycle_id", result.CycleID).Msg("therapy cycle completed")
		evts = append(evts, events.New(EventCycleCompleted, resourceCycle, formatID(result.CycleID), result, topics...))
	}
	s.afterCommit(ctx, result.PatientID, evts...)
	return result, nil
}

// CancelCycle deletes the patient's active cycle and all of its stages.
func (s *Service) CancelCycle(ctx context.Context, patientID int64) error {
	if patientID <= 0 {
		return fmt.Errorf("%w: patient id must be positive", ErrValidation)
	}
	if err := s.authorize(ctx, patientID); err != nil {
		return err
	}

	var cycle *Cycle
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if cycle, err = s.cycles.GetActiveByPatientForUpdate(ctx, patientID); err != nil {
			return err
		}
		if err := s.cycles.DeleteStages(ctx, cycle.ID); err != nil {
			return err
		}
		return s.cycles.Delete(ctx, cycle.ID)
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Int64("cycle_id", cycle.ID).
		Int64("patient_id", patientID).
		Int("progress", cycle.Progress).
		Msg("therapy cycle cancelled")

	s.afterCommit(ctx, patientID,
		events.New(EventCycleCancelled, resourceCycle, formatID(cycle.ID), cycle,
			PatientTopic(patientID), CyclesTopic))
	return nil
}

// GetActiveCycle returns the patient's active cycle with its stages, or nil
// when there is none.
func (s *Service) GetActiveCycle(ctx context.Context, patientID int64) (*CycleView, error) {
	if patientID <= 0 {
		return nil, fmt.Errorf("%w: patient id must be positive", ErrValidation)
	}
	if err := s.authorize(ctx, patientID); err != nil {
		return nil, err
	}

	view, gen, found, err := s.cache.Get(ctx, patientID)
	cacheable := err == nil
	if err != nil {
		s.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("cycle cache read failed")
	} else if found {
		return view, nil
	}

	view, err = s.cycles.GetActiveView(ctx, patientID)
	switch {
	case errors.Is(err, ErrNotFound):
		view = nil
	case err != nil:
		return nil, err
	default:
		if err := s.fillView(ctx, view); err != nil {
			return nil, err
		}
	}

	// A commit since Get bumped the generation and this Set is dropped.
	if cacheable {
		if err := s.cache.Set(ctx, patientID, gen, view); err != nil {
			s.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("cycle cache write failed")
		}
	}
	return view, nil
}

// GetCycle returns any cycle, active or completed, with its stages.
func (s *Service) GetCycle(ctx context.Context, cycleID int64) (*CycleView, error) {
	if cycleID <= 0 {
		return nil, fmt.Errorf("%w: cycle id must be positive", ErrValidation)
	}
	view, err := s.cycles.GetView(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, view.PatientID); err != nil {
		return nil, err
	}
	if err := s.fillView(ctx, view); err != nil {
		return nil, err
	}
	return view, nil
}

// ListActiveCycles pages through active cycles, newest start first, without
// their stages.
func (s *Service) ListActiveCycles(ctx context.Context, limit, offset int) ([]*CycleView, int, error) {
	views, total, err := s.cycles.ListActiveViews(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if views == nil {
		views = []*CycleView{}
	}
	now := s.now()
	for _, v := range views {
		v.PatientAge = AgeAt(v.PatientBirthDate, now)
	}
	return views, total, nil
}

// PreviewPlan returns the dated plan a request would create without storing
// anything.
func (s *Service) PreviewPlan(therapyName string, totalDays int, start *time.Time) []*Stage {
	day := s.now()
	if start != nil {
		day = *start
	}
	return SchedulePlan(GeneratePlan(therapyName, totalDays), day)
}

func (s *Service) fillView(ctx context.Context, view *CycleView) error {
	view.PatientAge = AgeAt(view.PatientBirthDate, s.now())
	stages, err := s.cycles.ListStages(ctx, view.ID)
	if err != nil {
		return err
	}
	view.Stages = stages
	return nil
}

// afterCommit drops the patient's cached projection and publishes evts.
// Neither step can fail the already committed operation.
func (s *Service) afterCommit(ctx context.Context, patientID int64, evts ...events.Event) {
	ctx = context.WithoutCancel(ctx)
	if err := s.cache.Invalidate(ctx, patientID); err != nil {
		s.logger.Warn().Err(err).Int64("patient_id", patientID).Msg("cycle cache invalidation failed")
	}
	clinic := db.ClinicFromContext(ctx)
	for _, evt := range evts {
		evt.ClinicID = clinic
		if err := s.events.Publish(ctx, evt); err != nil {
			s.logger.Error().Err(err).Str("event_type", evt.Type).Str("event_id", evt.ID).Msg("event publish failed")
		}
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
