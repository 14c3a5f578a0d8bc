package identity

import (
	"errors"
	"time"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleIntern  = "intern"
	RoleAdmin   = "admin"
)

var validRoles = map[string]bool{
	RolePatient: true, RoleDoctor: true, RoleIntern: true, RoleAdmin: true,
}

// ValidRole reports whether role is one of the clinic's user roles.
func ValidRole(role string) bool {
	return validRoles[role]
}

var (
	ErrNotFound       = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

// User is a clinic account: a patient, a doctor, an intern or an administrator.
type User struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
