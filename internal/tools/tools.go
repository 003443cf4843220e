// Package tools defines the closed set of task operations the model may
// request. The set is enumerated by design: five tools, one schema and
// one handler each, not a runtime-extensible plugin registry.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magpie-todo/magpie/internal/tasks"
)

// TaskStore is the slice of the task store the registry consumes. Every
// method takes the owning user's ID and must filter on it internally —
// the registry's injected identity is the first line of defense, the
// store's ownership scoping the second.
type TaskStore interface {
	Create(ctx context.Context, ownerID int64, d tasks.Draft) (*tasks.Task, error)
	List(ctx context.Context, ownerID int64, f tasks.ListFilter) ([]tasks.Task, error)
	Update(ctx context.Context, ownerID, taskID int64, u tasks.Update) (*tasks.Task, error)
	Complete(ctx context.Context, ownerID, taskID int64) (*tasks.Task, error)
	Delete(ctx context.Context, ownerID, taskID int64) error
}

// Handler executes one tool. ownerID is the authenticated caller,
// injected by Execute — never read from model-supplied arguments.
type Handler func(ctx context.Context, ownerID int64, args map[string]any) Result

// Tool is one callable task operation.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	handler     Handler
}

// identityArgs are argument names a model might invent to smuggle an
// identity. Execute strips them all before dispatch, so no handler can
// ever observe a model-supplied identity.
var identityArgs = []string{"owner_id", "user_id", "owner", "user", "uid", "account_id"}

// Registry holds the five task tools.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	store  TaskStore
	logger *slog.Logger
}

// NewRegistry creates the registry over a task store.
func NewRegistry(store TaskStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		store:  store,
		logger: logger,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Declarations returns all tool schemas in the completion-service
// function format, in stable registration order.
func (r *Registry) Declarations() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// Execute dispatches one tool call on behalf of the authenticated owner.
// This is the single unavoidable wrapper around tool dispatch: whatever
// identity-shaped arguments the model produced are discarded here and
// replaced by ownerID, and no failure of any kind escapes as an error —
// the outcome is always a structured Result.
func (r *Registry) Execute(ctx context.Context, ownerID int64, name string, args map[string]any) Result {
	t, ok := r.tools[name]
	if !ok {
		return failure(ErrKindUnknownTool, fmt.Sprintf("no tool named %q", name))
	}

	// Work on a copy so the caller's map (part of the model response,
	// later persisted) is not mutated.
	scrubbed := make(map[string]any, len(args))
	for k, v := range args {
		scrubbed[k] = v
	}
	for _, k := range identityArgs {
		delete(scrubbed, k)
	}

	res := t.handler(ctx, ownerID, scrubbed)
	if !res.Success {
		r.logger.Debug("tool call failed",
			"tool", name,
			"owner", ownerID,
			"error", res.Error,
			"message", res.Message,
		)
	}
	return res
}

func (r *Registry) registerBuiltins() {
	r.register(&Tool{
		Name:        "create_task",
		Description: "Create a new task in the user's todo list. Use when the user asks to add, create, or remember something to do.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title (required, max 200 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Longer free-form details (optional)",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{tasks.PriorityLow, tasks.PriorityMedium, tasks.PriorityHigh},
					"description": "Task priority (default medium)",
				},
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Labels for grouping and filtering (optional)",
				},
				"due_date": map[string]any{
					"type":        "string",
					"description": "Due date in YYYY-MM-DD format (optional)",
				},
			},
			"required": []string{"title"},
		},
		handler: r.handleCreateTask,
	})

	r.register(&Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks. Use to answer questions like 'what do I have to do', optionally filtered by status, priority, or tag.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{tasks.StatusTodo, tasks.StatusInProgress, tasks.StatusDone},
					"description": "Only tasks with this status",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{tasks.PriorityLow, tasks.PriorityMedium, tasks.PriorityHigh},
					"description": "Only tasks with this priority",
				},
				"tag": map[string]any{
					"type":        "string",
					"description": "Only tasks carrying this tag",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of tasks to return (default 20, max 100)",
				},
			},
		},
		handler: r.handleListTasks,
	})

	r.register(&Tool{
		Name:        "update_task",
		Description: "Update fields of an existing task: title, description, priority, status, due date, or tags.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The ID of the task to update (required)",
				},
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"priority": map[string]any{
					"type": "string",
					"enum": []string{tasks.PriorityLow, tasks.PriorityMedium, tasks.PriorityHigh},
				},
				"status": map[string]any{
					"type": "string",
					"enum": []string{tasks.StatusTodo, tasks.StatusInProgress, tasks.StatusDone},
				},
				"due_date": map[string]any{
					"type":        "string",
					"description": "Due date in YYYY-MM-DD format, empty string to clear",
				},
				"tags": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"task_id"},
		},
		handler: r.handleUpdateTask,
	})

	r.register(&Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed. Completing an already-completed task succeeds and changes nothing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The ID of the task to complete (required)",
				},
			},
			"required": []string{"task_id"},
		},
		handler: r.handleCompleteTask,
	})

	r.register(&Tool{
		Name:        "delete_task",
		Description: "Permanently delete a task from the user's list.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "integer",
					"description": "The ID of the task to delete (required)",
				},
			},
			"required": []string{"task_id"},
		},
		handler: r.handleDeleteTask,
	})
}

// Tool handlers

func (r *Registry) handleCreateTask(ctx context.Context, ownerID int64, args map[string]any) Result {
	title, err := requiredString(args, "title", maxTitleLen)
	if err != nil {
		return failure(ErrKindValidation, err.Error())
	}

	var d tasks.Draft
	d.Title = title

	if d.Description, err = optionalString(args, "description", maxDescriptionLen); err != nil {
		return failure(ErrKindValidation, err.Error())
	}
	if d.Priority, err = enumArg(args, "priority", tasks.ValidPriority, "priority"); err != nil {
		return failure(ErrKindValidation, err.Error())
	}
	if d.DueDate, err = dateArg(args, "due_date"); err != nil {
		return failure(ErrKindValidation, err.Error())
	}
	if d.Tags, err = tagsArg(args); err != nil {
		return failure(ErrKindValidation, err.Error())
	}

	t, err := r.store.Create(ctx, ownerID, d)
	if err != nil {
		return r.storeFailure("create_task", err)
	}

	return success(t, fmt.Sprintf("Created task %d: %s", t.ID, t.Title))
}

func (r *Registry) handleListTasks(ctx context.Context, ownerID int64, args map[string]any) Result {
	var f tasks.ListFilter
	var err error

	if f.Status, err = enumArg(args, "status", tasks.ValidStatus, "status"); err != nil {
		return failure(ErrKindValidation, err.Error())
	}
	if f.Priority, err = enumArg(args, "priority", tasks.ValidPriority, "priority"); err != nil {
		return failure(ErrKindValidation, err.Error())
	}
	if f.Tag, err = optionalString(args, "tag", maxTagLen); err != nil {
		return failure(ErrKindValidation, err.Error())
	}
	if f.Limit, err = intArg(args, "limit"); err != nil {
		return failure(ErrKindValidation, err.Error())
	}

	list, err := r.store.List(ctx, ownerID, f)
	if err != nil {
		return r.storeFailure("list_tasks", err)
	}

	return success(map[string]any{"tasks": list, "count": len(list)},
		fmt.Sprintf("Found %d task(s)", len(list)))
}

func (r *Registry) handleUpdateTask(ctx context.Context, ownerID int64, args map[string]any) Result {
	taskID, err := requiredInt(args, "task_id")
	if err != nil {
		return failure(ErrKindValidation, err.Error())
	}

	var u tasks.Update
	touched := false

	if v, ok := args["title"]; ok {
		s, err := coerceString(v, "title", maxTitleLen)
		if err != nil {
			return failure(ErrKindValidation, err.Error())
		}
		if s == "" {
			return failure(ErrKindValidation, "title must not be empty")
		}
		u.Title = &s
		touched = true
	}
	if v, ok := args["description"]; ok {
		s, err := coerceString(v, "description", maxDescriptionLen)
		if err != nil {
			return failure(ErrKindValidation, err.Error())
		}
		u.Description = &s
		touched = true
	}
	if v, ok := args["priority"]; ok {
		s, err := coerceString(v, "priority", maxTagLen)
		if err != nil {
			return failure(ErrKindValidation, err.Error())
		}
		if !tasks.ValidPriority(s) {
			return failure(ErrKindValidation, fmt.Sprintf("invalid priority %q", s))
		}
		u.Priority = &s
		touched = true
	}
	if v, ok := args["status"]; ok {
		s, err := coerceString(v, "status", maxTagLen)
		if err != nil {
			return failure(ErrKindValidation, err.Error())
		}
		if !tasks.ValidStatus(s) {
			return failure(ErrKindValidation, fmt.Sprintf("invalid status %q", s))
		}
		u.Status = &s
		touched = true
	}
	if v, ok := args["due_date"]; ok {
		s, err := coerceString(v, "due_date", maxTagLen)
		if err != nil {
			return failure(ErrKindValidation, err.Error())
		}
		if s != "" {
			if err := validDate(s); err != nil {
				return failure(ErrKindValidation, err.Error())
			}
		}
		u.DueDate = &s
		touched = true
	}
	if _, ok := args["tags"]; ok {
		tagList, err := tagsArg(args)
		if err != nil {
			return failure(ErrKindValidation, err.Error())
		}
		u.Tags = &tagList
		touched = true
	}

	if !touched {
		return failure(ErrKindValidation, "update_task requires at least one field to change")
	}

	t, err := r.store.Update(ctx, ownerID, taskID, u)
	if err != nil {
		return r.storeFailure("update_task", err)
	}

	return success(t, fmt.Sprintf("Updated task %d", t.ID))
}

func (r *Registry) handleCompleteTask(ctx context.Context, ownerID int64, args map[string]any) Result {
	taskID, err := requiredInt(args, "task_id")
	if err != nil {
		return failure(ErrKindValidation, err.Error())
	}

	t, err := r.store.Complete(ctx, ownerID, taskID)
	if err != nil {
		return r.storeFailure("complete_task", err)
	}

	return success(t, fmt.Sprintf("Task %d marked complete", t.ID))
}

func (r *Registry) handleDeleteTask(ctx context.Context, ownerID int64, args map[string]any) Result {
	taskID, err := requiredInt(args, "task_id")
	if err != nil {
		return failure(ErrKindValidation, err.Error())
	}

	if err := r.store.Delete(ctx, ownerID, taskID); err != nil {
		return r.storeFailure("delete_task", err)
	}

	return success(nil, fmt.Sprintf("Task %d deleted", taskID))
}

// storeFailure converts a task store error into a Result. Ownership
// mismatches surface as not_found — indistinguishable from a task that
// never existed. Anything else is reported generically; details go to
// the log, not to the model.
func (r *Registry) storeFailure(tool string, err error) Result {
	if errors.Is(err, tasks.ErrNotFound) {
		return failure(ErrKindNotFound, "task not found")
	}
	r.logger.Error("task store failure", "tool", tool, "error", err)
	return failure(ErrKindInternal, "the task store is temporarily unavailable")
}
