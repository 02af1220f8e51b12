package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wandererhq/connector/errs"
	"github.com/wandererhq/connector/internal/store"
)

// Explicit column correspondence for the users table; no reflection involved.
const (
	userColumns = "id, name, email, created_at, updated_at"

	userInsertSQL = `
INSERT INTO users (name, email)
VALUES ($1, $2)
RETURNING ` + userColumns + `;
`
	userSelectByIDSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1;`
	userListSQL       = `SELECT ` + userColumns + ` FROM users ORDER BY created_at;`
	userDeleteSQL     = `DELETE FROM users WHERE id = $1;`
)

// Repository executes single-statement CRUD commands against the users table.
// Every operation holds exactly one pooled connection for exactly one
// round-trip; none are transactional across statements.
type Repository struct {
	exec *store.Executor
}

// NewRepository constructs a users repository over the command executor.
func NewRepository(exec *store.Executor) (*Repository, error) {
	if exec == nil {
		return nil, errs.New("user/repository", errs.CodeConfiguration, errs.WithMessage("executor required"))
	}
	return &Repository{exec: exec}, nil
}

func scanUser(row store.Row, u *User) error {
	return row.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
}

// Create inserts a user and returns the stored row. A duplicate email
// surfaces as a conflict.
func (r *Repository) Create(ctx context.Context, nu NewUser) (User, error) {
	var u User
	err := r.exec.Execute(ctx, func(ctx context.Context, conn store.Conn) error {
		return scanUser(conn.QueryRow(ctx, userInsertSQL, nu.Name, nu.Email), &u)
	})
	if err != nil {
		return User{}, store.Classify("user/create", err)
	}
	return u, nil
}

// GetByID fetches one user or reports not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	var u User
	err := r.exec.Execute(ctx, func(ctx context.Context, conn store.Conn) error {
		return scanUser(conn.QueryRow(ctx, userSelectByIDSQL, id), &u)
	})
	if err != nil {
		return User{}, store.Classify("user/get", err)
	}
	return u, nil
}

// List returns every user in creation order.
func (r *Repository) List(ctx context.Context) ([]User, error) {
	var users []User
	err := r.exec.Execute(ctx, func(ctx context.Context, conn store.Conn) error {
		rows, err := conn.Query(ctx, userListSQL)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt); err != nil {
				return fmt.Errorf("scan user: %w", err)
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, store.Classify("user/list", err)
	}
	return users, nil
}

// Update applies only the fields present in upd, leaving the rest unchanged.
// An update naming no fields reads the current row instead of writing.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, upd UpdateUser) (User, error) {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if upd.Name != nil {
		args = append(args, *upd.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if upd.Email != nil {
		args = append(args, *upd.Email)
		sets = append(sets, fmt.Sprintf("email = $%d", len(args)))
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d RETURNING %s;",
		strings.Join(sets, ", "), len(args), userColumns)

	var u User
	err := r.exec.Execute(ctx, func(ctx context.Context, conn store.Conn) error {
		return scanUser(conn.QueryRow(ctx, query, args...), &u)
	})
	if err != nil {
		return User{}, store.Classify("user/update", err)
	}
	return u, nil
}

// Delete removes the user and reports whether a row was deleted. Deleting a
// missing id is not an error.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := r.exec.Execute(ctx, func(ctx context.Context, conn store.Conn) error {
		affected, err := conn.Exec(ctx, userDeleteSQL, id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		deleted = affected > 0
		return nil
	})
	if err != nil {
		return false, store.Classify("user/delete", err)
	}
	return deleted, nil
}
