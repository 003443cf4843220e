// Package tasks owns persistent task records for the todo product.
// Every operation takes the owning user's ID and filters on it inside
// the query itself, so even a caller holding a valid task ID cannot
// touch another user's data.
package tasks

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a task does not exist or belongs to a
// different user. Callers cannot tell the two apart.
var ErrNotFound = errors.New("task not found")

// Priority levels.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Kanban statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// ValidPriority reports whether s is a known priority level.
func ValidPriority(s string) bool {
	return s == PriorityLow || s == PriorityMedium || s == PriorityHigh
}

// ValidStatus reports whether s is a known kanban status.
func ValidStatus(s string) bool {
	return s == StatusTodo || s == StatusInProgress || s == StatusDone
}

// DueDateLayout is the accepted due date format.
const DueDateLayout = "2006-01-02"

// Task is one todo item.
type Task struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Tags        []string  `json:"tags,omitempty"`
	Status      string    `json:"status"`
	DueDate     string    `json:"due_date,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Draft holds the caller-supplied fields for a new task. Zero values
// fall back to defaults (medium priority, todo status).
type Draft struct {
	Title       string
	Description string
	Priority    string
	Tags        []string
	Status      string
	DueDate     string
}

// Update describes a partial task update. Nil fields are left untouched.
type Update struct {
	Title       *string
	Description *string
	Priority    *string
	Status      *string
	DueDate     *string
	Tags        *[]string
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Status   string
	Priority string
	Tag      string
	Limit    int
}
