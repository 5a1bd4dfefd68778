// Package filetasksource is a minimal, filesystem-backed core.TaskSource:
// a development/reference adapter for running the worker subprocess
// without a full repository integration wired up. Production deployments
// are expected to supply their own core.TaskSource.
package filetasksource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskmill/corerunner/core"
)

// Source resolves a TaskRef to `<Dir>/<uuid>/<version>/task.js`, with
// optional sibling `input.schema.json` / `output.schema.json`.
type Source struct {
	Dir string
}

func New(dir string) *Source { return &Source{Dir: dir} }

func (s *Source) Resolve(ctx context.Context, ref core.TaskRef) (*core.TaskContent, error) {
	base := filepath.Join(s.Dir, ref.UUID.String(), fmt.Sprint(ref.Version))

	code, err := os.ReadFile(filepath.Join(base, "task.js"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("filetasksource: %w: %s", core.ErrTaskNotFound, base)
		}
		return nil, fmt.Errorf("filetasksource: read task.js: %w", err)
	}

	inputSchema, err := readOptionalSchema(filepath.Join(base, "input.schema.json"))
	if err != nil {
		return nil, err
	}
	outputSchema, err := readOptionalSchema(filepath.Join(base, "output.schema.json"))
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	if raw, err := os.ReadFile(filepath.Join(base, "metadata.json")); err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("filetasksource: decode metadata.json: %w", err)
		}
	}

	return &core.TaskContent{
		Code:         string(code),
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		Metadata:     meta,
	}, nil
}

func readOptionalSchema(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filetasksource: read %s: %w", filepath.Base(path), err)
	}
	return raw, nil
}
