// Package tasks provides the per-user task/category snapshot the assistant
// grounds its answers in, and the prompt text built from it.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Task is one todo item as the assistant sees it.
type Task struct {
	ID        string
	Title     string
	Completed bool
	DueDate   *time.Time
	Category  string
}

// Category is a user-defined task grouping.
type Category struct {
	ID   string
	Name string
}

// Snapshot is the point-in-time view of a user's tasks. It is fetched fresh
// before every turn and never cached across turns.
type Snapshot struct {
	PendingTasks   []Task
	CompletedTasks []Task
	Categories     []Category
}

// SnapshotProvider is the collaborator interface the realtime session
// depends on.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
}

// Store reads snapshots from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.title, t.completed, t.due_date, COALESCE(c.name, '')
		FROM tasks t
		LEFT JOIN categories c ON c.id = t.category_id
		WHERE t.user_id = $1
		ORDER BY t.created_at`, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Completed, &t.DueDate, &t.Category); err != nil {
			return Snapshot{}, fmt.Errorf("scan task: %w", err)
		}
		if t.Completed {
			snap.CompletedTasks = append(snap.CompletedTasks, t)
		} else {
			snap.PendingTasks = append(snap.PendingTasks, t)
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate tasks: %w", err)
	}

	catRows, err := s.pool.Query(ctx, `
		SELECT id, name FROM categories WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query categories: %w", err)
	}
	defer catRows.Close()

	for catRows.Next() {
		var c Category
		if err := catRows.Scan(&c.ID, &c.Name); err != nil {
			return Snapshot{}, fmt.Errorf("scan category: %w", err)
		}
		snap.Categories = append(snap.Categories, c)
	}
	if err := catRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate categories: %w", err)
	}

	return snap, nil
}
