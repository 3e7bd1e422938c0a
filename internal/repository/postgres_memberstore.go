package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMemberStore is a PostgreSQL implementation of MemberStore. The
// project_members table is maintained by the project-administration module;
// the engine only reads it.
type PostgresMemberStore struct {
	db *pgxpool.Pool
}

// NewPostgresMemberStore creates a new PostgresMemberStore.
func NewPostgresMemberStore(db *pgxpool.Pool) *PostgresMemberStore {
	return &PostgresMemberStore{db: db}
}

func (s *PostgresMemberStore) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)`,
		projectID, userID).Scan(&exists)
	return exists, err
}

func (s *PostgresMemberStore) ListByRole(ctx context.Context, projectID, role string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM project_members
		 WHERE project_id = $1 AND role = $2 ORDER BY user_id`, projectID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
