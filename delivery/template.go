// Package delivery fans a finished Execution out to a Job's
// OutputDestinations: webhook and filesystem, each with its own template
// expansion and retry policy.
package delivery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskmill/corerunner/core"
)

// TemplateError is returned when a `{var}` reference in a destination's
// URL, header, or path template has no value. Expansion never produces a
// silent blank.
type TemplateError struct {
	Var string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("delivery: unresolved template var %q", e.Var)
}

// templateContext is the delivery variable set, built once per delivery
// attempt and reused across a destination's URL, headers, and path
// template.
type templateContext struct {
	vars map[string]string
}

func newTemplateContext(task *core.Task, job *core.Job, exec *core.Execution) *templateContext {
	now := time.Now()
	vars := map[string]string{
		"execution_id": exec.UUID.String(),
		"job_id":       job.UUID.String(),
		"task_id":      strconv.FormatInt(job.TaskID, 10),
		"status":       string(exec.Status),
		"date":         now.Format("2006-01-02"),
		"timestamp":    now.Format(time.RFC3339),
		"year":         strconv.Itoa(now.Year()),
		"month":        fmt.Sprintf("%02d", now.Month()),
		"day":          fmt.Sprintf("%02d", now.Day()),
		"hour":         fmt.Sprintf("%02d", now.Hour()),
		"minute":       fmt.Sprintf("%02d", now.Minute()),
	}
	if task != nil {
		vars["task_name"] = task.Name
		vars["task_version"] = strconv.Itoa(task.Version)
	}

	ctx := &templateContext{vars: vars}
	ctx.flatten("input", exec.Input)
	ctx.flatten("output", exec.Output)
	return ctx
}

// flatten walks v (expected to be the typical JSON-decoded shape:
// map[string]any / []any / scalars) and records every dotted path under
// prefix, stringified, so `input.user.id` resolves the way `{var}`
// expansion needs.
func (c *templateContext) flatten(prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			c.flatten(prefix+"."+k, val)
		}
	case []any:
		for i, val := range t {
			c.flatten(fmt.Sprintf("%s.%d", prefix, i), val)
		}
	case nil:
		// absent; left unresolved, matching "missing variable" semantics
	default:
		c.vars[prefix] = stringify(t)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// expand replaces every `{var}` in s, failing on the first unresolved
// reference.
func (c *templateContext) expand(s string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		open := strings.IndexByte(s[i:], '{')
		if open < 0 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+open])
		start := i + open + 1
		close := strings.IndexByte(s[start:], '}')
		if close < 0 {
			return "", &TemplateError{Var: s[start:]}
		}
		name := s[start : start+close]
		val, ok := c.vars[name]
		if !ok {
			return "", &TemplateError{Var: name}
		}
		out.WriteString(val)
		i = start + close + 1
	}
	return out.String(), nil
}
