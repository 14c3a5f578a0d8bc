package therapy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayurcare/emr/internal/domain/identity"
)

type staticLoads struct {
	loads []DoctorLoad
	err   error
}

func (s staticLoads) DoctorLoads(context.Context) ([]DoctorLoad, error) { return s.loads, s.err }

func TestExplicitDoctor(t *testing.T) {
	id, err := ExplicitDoctor(12).AssignDoctor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), *id)
}

func TestFirstAvailableDoctor(t *testing.T) {
	users := newMemUsers(
		&identity.User{ID: 9, Role: identity.RoleDoctor},
		&identity.User{ID: 1, Role: identity.RolePatient},
		&identity.User{ID: 4, Role: identity.RoleDoctor},
	)
	id, err := FirstAvailableDoctor{Users: users}.AssignDoctor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), *id)
}

func TestFirstAvailableDoctor_None(t *testing.T) {
	users := newMemUsers(&identity.User{ID: 1, Role: identity.RolePatient})
	id, err := FirstAvailableDoctor{Users: users}.AssignDoctor(context.Background())
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestLeastLoadedDoctor(t *testing.T) {
	tests := []struct {
		name  string
		loads []DoctorLoad
		want  *int64
	}{
		{"no doctors", nil, nil},
		{"fewest cycles wins", []DoctorLoad{{DoctorID: 2, ActiveCycles: 3}, {DoctorID: 5, ActiveCycles: 1}, {DoctorID: 9, ActiveCycles: 2}}, ptr(5)},
		{"tie goes to lowest id", []DoctorLoad{{DoctorID: 9, ActiveCycles: 0}, {DoctorID: 3, ActiveCycles: 0}}, ptr(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LeastLoadedDoctor{Loads: staticLoads{loads: tt.loads}}.AssignDoctor(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLeastLoadedDoctor_Error(t *testing.T) {
	_, err := LeastLoadedDoctor{Loads: staticLoads{err: errors.New("db down")}}.AssignDoctor(context.Background())
	assert.Error(t, err)
}

func TestNewAssignmentPolicy(t *testing.T) {
	p, err := NewAssignmentPolicy("", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, FirstAvailableDoctor{}, p)

	p, err = NewAssignmentPolicy(AssignLeastLoaded, nil, staticLoads{})
	require.NoError(t, err)
	assert.IsType(t, LeastLoadedDoctor{}, p)

	_, err = NewAssignmentPolicy("round_robin", nil, nil)
	assert.Error(t, err)
}

func TestParseCompletionPolicy(t *testing.T) {
	p, err := ParseCompletionPolicy("")
	require.NoError(t, err)
	assert.Equal(t, CompletionManual, p)

	p, err = ParseCompletionPolicy("auto")
	require.NoError(t, err)
	assert.Equal(t, CompletionAuto, p)

	_, err = ParseCompletionPolicy("sometimes")
	assert.Error(t, err)
}

func TestCompletionPolicy_NextStatus(t *testing.T) {
	assert.Equal(t, CycleStatusActive, CompletionManual.nextStatus(CycleStatusActive, 100))
	assert.Equal(t, CycleStatusActive, CompletionAuto.nextStatus(CycleStatusActive, 99))
	assert.Equal(t, CycleStatusCompleted, CompletionAuto.nextStatus(CycleStatusActive, 100))
	assert.Equal(t, CycleStatusCompleted, CompletionAuto.nextStatus(CycleStatusCompleted, 100))
}

func ptr(v int64) *int64 { return &v }
