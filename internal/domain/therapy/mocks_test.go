package therapy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayurcare/emr/internal/domain/identity"
	"github.com/ayurcare/emr/internal/platform/events"
)

// -- Users --

type memUsers struct {
	mu    sync.Mutex
	users map[int64]*identity.User
}

func newMemUsers(users ...*identity.User) *memUsers {
	m := &memUsers{users: make(map[int64]*identity.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) GetUser(_ context.Context, id int64) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) ListUsers(_ context.Context, role string, limit, offset int) ([]*identity.User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*identity.User
	for _, u := range m.users {
		if role == "" || u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// -- Cycles and stages --

type memRepo struct {
	mu        sync.Mutex
	users     *memUsers
	cycles    map[int64]*Cycle
	stages    map[int64]*Stage
	nextCycle int64
	nextStage int64

	failCreateStages error
	locked           []int64
}

func newMemRepo(users *memUsers) *memRepo {
	return &memRepo{users: users, cycles: make(map[int64]*Cycle), stages: make(map[int64]*Stage)}
}

type memSnapshot struct {
	cycles               map[int64]Cycle
	stages               map[int64]Stage
	nextCycle, nextStage int64
}

func (r *memRepo) snapshot() memSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := memSnapshot{cycles: map[int64]Cycle{}, stages: map[int64]Stage{}, nextCycle: r.nextCycle, nextStage: r.nextStage}
	for id, c := range r.cycles {
		s.cycles[id] = *c
	}
	for id, st := range r.stages {
		s.stages[id] = *st
	}
	return s
}

func (r *memRepo) restore(s memSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = make(map[int64]*Cycle)
	r.stages = make(map[int64]*Stage)
	for id, c := range s.cycles {
		c := c
		r.cycles[id] = &c
	}
	for id, st := range s.stages {
		st := st
		r.stages[id] = &st
	}
	r.nextCycle, r.nextStage = s.nextCycle, s.nextStage
}

func (r *memRepo) LockPatient(_ context.Context, patientID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = append(r.locked, patientID)
	return nil
}

func (r *memRepo) activeLocked(patientID int64) (*Cycle, error) {
	for _, c := range r.cycles {
		if c.PatientID == patientID && c.Status == CycleStatusActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) GetActiveByPatient(_ context.Context, patientID int64) (*Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(patientID)
}

func (r *memRepo) GetActiveByPatientForUpdate(ctx context.Context, patientID int64) (*Cycle, error) {
	return r.GetActiveByPatient(ctx, patientID)
}

func (r *memRepo) GetForUpdate(_ context.Context, cycleID int64) (*Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[cycleID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) Create(_ context.Context, c *Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Status == CycleStatusActive {
		if _, err := r.activeLocked(c.PatientID); err == nil {
			return ErrActiveCycleExists
		}
	}
	r.nextCycle++
	c.ID = r.nextCycle
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	r.cycles[c.ID] = &cp
	return nil
}

func (r *memRepo) UpdateProgress(_ context.Context, cycleID int64, progress int, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[cycleID]
	if !ok {
		return ErrNotFound
	}
	c.Progress = progress
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) Delete(_ context.Context, cycleID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cycles[cycleID]; !ok {
		return ErrNotFound
	}
	delete(r.cycles, cycleID)
	return nil
}

func (r *memRepo) DoctorLoads(_ context.Context) ([]DoctorLoad, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[int64]int{}
	for _, u := range r.users.users {
		if u.Role == identity.RoleDoctor {
			counts[u.ID] = 0
		}
	}
	for _, c := range r.cycles {
		if c.DoctorID != nil && c.Status == CycleStatusActive {
			counts[*c.DoctorID]++
		}
	}
	var loads []DoctorLoad
	for id, n := range counts {
		loads = append(loads, DoctorLoad{DoctorID: id, ActiveCycles: n})
	}
	return loads, nil
}

func (r *memRepo) CreateStages(_ context.Context, stages []*Stage) error {
	if r.failCreateStages != nil {
		return r.failCreateStages
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stages {
		if _, ok := r.cycles[s.CycleID]; !ok {
			return ErrInvalidReference
		}
		r.nextStage++
		s.ID = r.nextStage
		cp := *s
		r.stages[s.ID] = &cp
	}
	return nil
}

func (r *memRepo) GetStage(_ context.Context, stageID int64) (*Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[stageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) GetStageForUpdate(ctx context.Context, stageID int64) (*Stage, error) {
	return r.GetStage(ctx, stageID)
}

func (r *memRepo) CompleteStage(_ context.Context, stageID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[stageID]
	if !ok || s.Status == StageStatusCompleted {
		return ErrNotFound
	}
	s.Status = StageStatusCompleted
	s.CompletedAt = &at
	return nil
}

func (r *memRepo) CountStages(_ context.Context, cycleID int64) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var completed, total int
	for _, s := range r.stages {
		if s.CycleID != cycleID {
			continue
		}
		total++
		if s.Status == StageStatusCompleted {
			completed++
		}
	}
	return completed, total, nil
}

func (r *memRepo) ListStages(_ context.Context, cycleID int64) ([]*Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Stage
	for _, s := range r.stages {
		if s.CycleID == cycleID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memRepo) DeleteStages(_ context.Context, cycleID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.stages {
		if s.CycleID == cycleID {
			delete(r.stages, id)
		}
	}
	return nil
}

func (r *memRepo) viewOf(c *Cycle) *CycleView {
	v := &CycleView{Cycle: *c}
	if c.DoctorID != nil {
		if d, ok := r.users.users[*c.DoctorID]; ok {
			name := d.Name
			v.DoctorName = &name
		}
	}
	if p, ok := r.users.users[c.PatientID]; ok {
		name := p.Name
		v.PatientName = &name
		v.PatientBirthDate = p.BirthDate
	}
	return v
}

func (r *memRepo) GetView(_ context.Context, cycleID int64) (*CycleView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[cycleID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.viewOf(c), nil
}

func (r *memRepo) GetActiveView(_ context.Context, patientID int64) (*CycleView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.activeLocked(patientID)
	if err != nil {
		return nil, err
	}
	return r.viewOf(c), nil
}

func (r *memRepo) ListActiveViews(_ context.Context, limit, offset int) ([]*CycleView, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CycleView
	for _, c := range r.cycles {
		if c.Status == CycleStatusActive {
			out = append(out, r.viewOf(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *memRepo) stageIDs(cycleID int64) []int64 {
	stages, _ := r.ListStages(context.Background(), cycleID)
	ids := make([]int64, len(stages))
	for i, s := range stages {
		ids[i] = s.ID
	}
	return ids
}

// memTx serialises units of work and rolls the repo back when one fails.
type memTx struct {
	mu   sync.Mutex
	repo *memRepo
}

func (t *memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.repo.snapshot()
	if err := fn(ctx); err != nil {
		t.repo.restore(snap)
		return err
	}
	return nil
}

// -- Events and cache --

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type memCache struct {
	mu          sync.Mutex
	views       map[int64]*CycleView
	gens        map[int64]int64
	gets        int
	staleSets   int
	invalidated []int64
}

func newMemCache() *memCache {
	return &memCache{views: make(map[int64]*CycleView), gens: make(map[int64]int64)}
}

func (c *memCache) Get(_ context.Context, patientID int64) (*CycleView, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.views[patientID]
	return v, c.gens[patientID], ok, nil
}

func (c *memCache) Set(_ context.Context, patientID int64, gen int64, view *CycleView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[patientID] != gen {
		c.staleSets++
		return nil
	}
	c.views[patientID] = view
	return nil
}

func (c *memCache) Invalidate(_ context.Context, patientID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[patientID]++
	delete(c.views, patientID)
	c.invalidated = append(c.invalidated, patientID)
	return nil
}

type failingCache struct{}

func (failingCache) Get(context.Context, int64) (*CycleView, int64, bool, error) {
	return nil, 0, false, errors.New("cache down")
}
func (failingCache) Set(context.Context, int64, int64, *CycleView) error { return errors.New("cache down") }
func (failingCache) Invalidate(context.Context, int64) error { return errors.New("cache down") }

// racingRepo runs onRead once, after the active view has been read and
// before it is returned to the service.
type racingRepo struct {
	*memRepo
	onRead func()
}

func (r *racingRepo) GetActiveView(ctx context.Context, patientID int64) (*CycleView, error) {
	view, err := r.memRepo.GetActiveView(ctx, patientID)
	if hook := r.onRead; hook != nil {
		r.onRead = nil
		hook()
	}
	return view, err
}

// -- Fixture --

const (
	patientAsha = int64(7)
	patientRavi = int64(8)
	doctorRao   = int64(2)
	doctorIyer  = int64(3)
	internMeera = int64(4)
)

var fixedNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	repo  *memRepo
	users *memUsers
	pub   *recordingPublisher
	cache *memCache
}

func newFixture() *fixture {
	ashaBirth := time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC)
	users := newMemUsers(
		&identity.User{ID: doctorIyer, Name: "Dr. Iyer", Role: identity.RoleDoctor},
		&identity.User{ID: doctorRao, Name: "Dr. Rao", Role: identity.RoleDoctor},
		&identity.User{ID: internMeera, Name: "Meera", Role: identity.RoleIntern},
		&identity.User{ID: patientAsha, Name: "Asha", Role: identity.RolePatient, BirthDate: &ashaBirth},
		&identity.User{ID: patientRavi, Name: "Ravi", Role: identity.RolePatient},
	)
	repo := newMemRepo(users)
	pub := &recordingPublisher{}
	cache := newMemCache()

	svc := NewService(repo, users, &memTx{repo: repo}, zerolog.Nop())
	svc.SetPublisher(pub)
	svc.SetCache(cache)
	svc.SetClock(func() time.Time { return fixedNow })
	return &fixture{svc: svc, repo: repo, users: users, pub: pub, cache: cache}
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}
