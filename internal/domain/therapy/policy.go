package therapy

import (
	"context"
	"fmt"

	"github.com/ayurcare/emr/internal/domain/identity"
)

// DoctorAssignmentPolicy picks the doctor for a new cycle. A nil id with a
// nil error means the cycle starts unassigned.
type DoctorAssignmentPolicy interface {
	AssignDoctor(ctx context.Context) (*int64, error)
}

// UserDirectory is the read side of the users collection.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*identity.User, error)
	ListUsers(ctx context.Context, role string, limit, offset int) ([]*identity.User, int, error)
}

// DoctorLoadSource reports how many active cycles each doctor carries.
type DoctorLoadSource interface {
	DoctorLoads(ctx context.Context) ([]DoctorLoad, error)
}

// ExplicitDoctor always assigns the same doctor.
type ExplicitDoctor int64

func (d ExplicitDoctor) AssignDoctor(context.Context) (*int64, error) {
	id := int64(d)
	return &id, nil
}

// FirstAvailableDoctor assigns the doctor with the lowest id.
type FirstAvailableDoctor struct {
	Users UserDirectory
}

func (p FirstAvailableDoctor) AssignDoctor(ctx context.Context) (*int64, error) {
	doctors, _, err := p.Users.ListUsers(ctx, identity.RoleDoctor, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	if len(doctors) == 0 {
		return nil, nil
	}
	id := doctors[0].ID
	return &id, nil
}

// LeastLoadedDoctor assigns the doctor with the fewest active cycles, ties
// going to the lowest id.
type LeastLoadedDoctor struct {
	Loads DoctorLoadSource
}

func (p LeastLoadedDoctor) AssignDoctor(ctx context.Context) (*int64, error) {
	loads, err := p.Loads.DoctorLoads(ctx)
	if err != nil {
		return nil, fmt.Errorf("load doctor workloads: %w", err)
	}
	var best *DoctorLoad
	for i := range loads {
		l := &loads[i]
		if best == nil || l.ActiveCycles < best.ActiveCycles ||
			(l.ActiveCycles == best.ActiveCycles && l.DoctorID < best.DoctorID) {
			best = l
		}
	}
	if best == nil {
		return nil, nil
	}
	id := best.DoctorID
	return &id, nil
}

const (
	AssignFirstAvailable = "first_available"
	AssignLeastLoaded    = "least_loaded"
)

// NewAssignmentPolicy resolves a configured policy name.
func NewAssignmentPolicy(name string, users UserDirectory, loads DoctorLoadSource) (DoctorAssignmentPolicy, error) {
	switch name {
	case "", AssignFirstAvailable:
		return FirstAvailableDoctor{Users: users}, nil
	case AssignLeastLoaded:
		return LeastLoadedDoctor{Loads: loads}, nil
	default:
		return nil, fmt.Errorf("unknown doctor assignment policy %q", name)
	}
}

// CompletionPolicy decides whether a cycle closes itself once every stage is
// completed.
type CompletionPolicy string

const (
	// CompletionManual keeps a fully completed cycle active until it is
	// cancelled.
	CompletionManual CompletionPolicy = "manual"
	// CompletionAuto marks the cycle completed when progress reaches 100.
	CompletionAuto CompletionPolicy = "auto"
)

func ParseCompletionPolicy(s string) (CompletionPolicy, error) {
	switch CompletionPolicy(s) {
	case "", CompletionManual:
		return CompletionManual, nil
	case CompletionAuto:
		return CompletionAuto, nil
	default:
		return "", fmt.Errorf("unknown completion policy %q", s)
	}
}

// nextStatus returns the cycle status after progress has been recomputed.
func (p CompletionPolicy) nextStatus(current string, progress int) string {
	if p == CompletionAuto && current == CycleStatusActive && progress == 100 {
		return CycleStatusCompleted
	}
	return current
}
