package identity

import "context"

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	// ListByRole returns users ordered by id. An empty role lists everyone.
	ListByRole(ctx context.Context, role string, limit, offset int) ([]*User, int, error)
}
