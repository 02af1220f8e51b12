// Package user provides the typed CRUD surface over the users table.
package user

import (
	"time"

	"github.com/google/uuid"
)

// User is one persisted user row.
type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUser carries the fields required to create a user.
type NewUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UpdateUser carries a partial update; nil fields are left unchanged.
type UpdateUser struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}
