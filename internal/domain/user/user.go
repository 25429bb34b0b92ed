// Package user defines registered shoppers.
package user

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// User is a registered account able to place orders.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
}

// Repository provides read access to users.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
}
