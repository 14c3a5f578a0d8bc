// Package sandbox seeds demo clinics with reproducible staff, patients and
// therapy cycles for developer on-boarding and UI demos.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ayurcare/emr/internal/domain/identity"
	"github.com/ayurcare/emr/internal/domain/therapy"
	"github.com/ayurcare/emr/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

const maxSeedUsers = 1000

// SeedConfig controls the volume and shape of generated demo data.
type SeedConfig struct {
	Doctors  int `json:"doctors"`
	Interns  int `json:"interns"`
	Patients int `json:"patients"`
	// CycleShare is the fraction of patients given an active cycle.
	CycleShare float64 `json:"cycle_share"`
	Seed       int64   `json:"seed"`
}

// DefaultSeedConfig returns a small clinic.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Doctors:    3,
		Interns:    2,
		Patients:   20,
		CycleShare: 0.6,
	}
}

func (c SeedConfig) Validate() error {
	if c.Doctors < 0 || c.Interns < 0 || c.Patients < 0 {
		return fmt.Errorf("user counts must not be negative")
	}
	if total := c.Doctors + c.Interns + c.Patients; total > maxSeedUsers {
		return fmt.Errorf("at most %d users may be seeded at once, got %d", maxSeedUsers, total)
	}
	if c.CycleShare < 0 || c.CycleShare > 1 {
		return fmt.Errorf("cycle_share must be between 0 and 1")
	}
	return nil
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Doctors         int           `json:"doctors"`
	Interns         int           `json:"interns"`
	Patients        int           `json:"patients"`
	Cycles          int           `json:"cycles"`
	CompletedStages int           `json:"completed_stages"`
	Duration        time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Name and therapy pools
// ---------------------------------------------------------------------------

var (
	firstNames = []string{
		"Asha", "Ravi", "Lakshmi", "Arjun", "Meera", "Vikram", "Ananya",
		"Suresh", "Divya", "Karthik", "Priya", "Manoj", "Kavya", "Rahul",
		"Nandini", "Sanjay", "Gayatri", "Vishnu", "Revathi", "Harish",
	}
	lastNames = []string{
		"Nair", "Menon", "Iyer", "Rao", "Pillai", "Sharma", "Kulkarni",
		"Reddy", "Varma", "Joshi", "Das", "Kurup", "Bhat", "Shetty",
	}
	therapies = []string{
		"Vamana", "Virechana", "Basti", "Nasya", "Raktamokshana",
	}
)

const seedEmailDomain = "demo.ayurcare.test"

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic demo users and cycle requests.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
	// tag is appended to emails so repeated runs with one seed stay unique.
	tag string
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) time.Time {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := time.Month(1 + g.rng.Intn(12))
	d := 1 + g.rng.Intn(28) // safe for all months
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GenerateUser produces an unsaved user with a unique demo email. Patients
// get a birth date; staff do not.
func (g *DataGenerator) GenerateUser(role string) *identity.User {
	g.counter++
	first, last := g.pick(firstNames), g.pick(lastNames)

	u := &identity.User{
		Name: first + " " + last,
		Role: role,
	}
	local := fmt.Sprintf("%s.%s.%d", strings.ToLower(first), strings.ToLower(last), g.counter)
	if g.tag != "" {
		local += "." + g.tag
	}
	u.Email = local + "@" + seedEmailDomain
	switch role {
	case identity.RoleDoctor:
		u.Name = "Dr. " + u.Name
	case identity.RolePatient:
		birth := g.randomDate(1950, 2005)
		u.BirthDate = &birth
	}
	return u
}

// GenerateCycleRequest picks a therapy for a patient that started within the
// ten days before today. One request in three asks for the long plan.
func (g *DataGenerator) GenerateCycleRequest(patientID int64, today time.Time) therapy.CycleRequest {
	days := 7
	if g.rng.Intn(3) == 0 {
		days = therapy.LongPlanDays
	}
	start := therapy.DateOf(today).AddDate(0, 0, -g.rng.Intn(10))
	return therapy.CycleRequest{
		PatientID:   patientID,
		TherapyName: g.pick(therapies),
		TotalDays:   days,
		StartDate:   &start,
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// UserCreator stores new clinic users.
type UserCreator interface {
	CreateUser(ctx context.Context, u *identity.User) error
}

// CycleSeeder opens cycles and completes their stages.
type CycleSeeder interface {
	RequestCycle(ctx context.Context, req therapy.CycleRequest) (*therapy.CycleView, error)
	MarkStageComplete(ctx context.Context, stageID int64) (*therapy.StageCompletion, error)
}

// Seeder writes a generated clinic through the domain services, so seeded
// data obeys the same rules as data entered through the API.
type Seeder struct {
	users     UserCreator
	cycles    CycleSeeder
	generator *DataGenerator
	config    SeedConfig
	now       func() time.Time
	runTag    func() string
	logger    zerolog.Logger
}

// NewSeeder creates a Seeder. cycles may be nil to seed users only.
func NewSeeder(users UserCreator, cycles CycleSeeder, config SeedConfig, logger zerolog.Logger) *Seeder {
	return &Seeder{
		users:     users,
		cycles:    cycles,
		generator: NewDataGenerator(config.Seed),
		config:    config,
		now:       time.Now,
		runTag:    newRunTag,
		logger:    logger.With().Str("component", "sandbox").Logger(),
	}
}

func newRunTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run creates the configured users, then opens cycles for a share of the
// patients and completes every stage dated before today.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	result := &SeedResult{}
	s.generator.tag = s.runTag()

	create := func(role string, n int) ([]*identity.User, error) {
		users := make([]*identity.User, 0, n)
		for i := 0; i < n; i++ {
			u := s.generator.GenerateUser(role)
			if err := s.users.CreateUser(ctx, u); err != nil {
				return nil, fmt.Errorf("create %s %q: %w", role, u.Email, err)
			}
			users = append(users, u)
		}
		return users, nil
	}

	doctors, err := create(identity.RoleDoctor, s.config.Doctors)
	if err != nil {
		return nil, err
	}
	result.Doctors = len(doctors)

	interns, err := create(identity.RoleIntern, s.config.Interns)
	if err != nil {
		return nil, err
	}
	result.Interns = len(interns)

	patients, err := create(identity.RolePatient, s.config.Patients)
	if err != nil {
		return nil, err
	}
	result.Patients = len(patients)

	if s.cycles != nil {
		today := therapy.DateOf(s.now())
		for _, p := range patients {
			if s.generator.rng.Float64() >= s.config.CycleShare {
				continue
			}
			view, err := s.cycles.RequestCycle(ctx, s.generator.GenerateCycleRequest(p.ID, today))
			if err != nil {
				return nil, fmt.Errorf("request cycle for patient %d: %w", p.ID, err)
			}
			result.Cycles++

			for _, st := range view.Stages {
				if !st.Date.Before(today) {
					break
				}
				if _, err := s.cycles.MarkStageComplete(ctx, st.ID); err != nil {
					return nil, fmt.Errorf("complete stage %d: %w", st.ID, err)
				}
				result.CompletedStages++
			}
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("doctors", result.Doctors).
		Int("interns", result.Interns).
		Int("patients", result.Patients).
		Int("cycles", result.Cycles).
		Int("completed_stages", result.CompletedStages).
		Dur("duration", result.Duration).
		Msg("demo clinic seeded")
	return result, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding to administrators of development deployments.
type SeedHandler struct {
	users  UserCreator
	cycles CycleSeeder
	logger zerolog.Logger
}

func NewSeedHandler(users UserCreator, cycles CycleSeeder, logger zerolog.Logger) *SeedHandler {
	return &SeedHandler{users: users, cycles: cycles, logger: logger}
}

func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/sandbox/seed", h.handleSeed, auth.RequireRole(auth.RoleAdmin))
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if err := cfg.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := NewSeeder(h.users, h.cycles, cfg, h.logger).Run(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "seeding failed").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, result)
}
