package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/magpie-todo/magpie/internal/tasks"
)

// Argument bounds. Tool arguments are model output and therefore
// untrusted input; everything is checked here before the task store
// sees it.
const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	maxTagLen         = 50
	maxTags           = 10
)

func coerceString(v any, field string, maxLen int) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", field)
	}
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return "", fmt.Errorf("%s exceeds %d characters", field, maxLen)
	}
	return s, nil
}

func requiredString(args map[string]any, field string, maxLen int) (string, error) {
	v, ok := args[field]
	if !ok {
		return "", fmt.Errorf("%s is required", field)
	}
	s, err := coerceString(v, field, maxLen)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", field)
	}
	return s, nil
}

func optionalString(args map[string]any, field string, maxLen int) (string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return "", nil
	}
	return coerceString(v, field, maxLen)
}

// coerceInt accepts the shapes a JSON-decoded model argument can take:
// float64 (encoding/json default), integer types, or a numeric string.
func coerceInt(v any, field string) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be an integer", field)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", field)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", field)
	}
}

func requiredInt(args map[string]any, field string) (int64, error) {
	v, ok := args[field]
	if !ok {
		return 0, fmt.Errorf("%s is required", field)
	}
	n, err := coerceInt(v, field)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return n, nil
}

func intArg(args map[string]any, field string) (int, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return 0, nil
	}
	n, err := coerceInt(v, field)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return int(n), nil
}

func enumArg(args map[string]any, field string, valid func(string) bool, kind string) (string, error) {
	s, err := optionalString(args, field, maxTagLen)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", nil
	}
	s = strings.ToLower(s)
	if !valid(s) {
		return "", fmt.Errorf("invalid %s %q", kind, s)
	}
	return s, nil
}

func validDate(s string) error {
	if _, err := time.Parse(tasks.DueDateLayout, s); err != nil {
		return fmt.Errorf("due_date must be in YYYY-MM-DD format, got %q", s)
	}
	return nil
}

func dateArg(args map[string]any, field string) (string, error) {
	s, err := optionalString(args, field, maxTagLen)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", nil
	}
	if err := validDate(s); err != nil {
		return "", err
	}
	return s, nil
}

func tagsArg(args map[string]any) ([]string, error) {
	v, ok := args["tags"]
	if !ok || v == nil {
		return nil, nil
	}

	raw, ok := v.([]any)
	if !ok {
		// A single string tag is a common model shortcut; accept it.
		if s, sok := v.(string); sok {
			raw = []any{s}
		} else {
			return nil, fmt.Errorf("tags must be an array of strings")
		}
	}

	if len(raw) > maxTags {
		return nil, fmt.Errorf("at most %d tags are allowed", maxTags)
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, err := coerceString(item, "tag", maxTagLen)
		if err != nil {
			return nil, err
		}
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
