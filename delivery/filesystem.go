package delivery

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/taskmill/corerunner/core"
	"gopkg.in/yaml.v3"
)

// deliverFilesystem expands dst's path template against tctx, serializes
// the Execution's outcome by dst.Format, and writes it, honoring
// create_dirs / overwrite / backup_existing.
func deliverFilesystem(dst *core.FilesystemDestination, job *core.Job, exec *core.Execution, tctx *templateContext) error {
	path, err := tctx.expand(dst.PathTemplate)
	if err != nil {
		return err
	}

	if err := ensureParentDir(path, dst.CreateDirs); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if !dst.Overwrite {
			return fmt.Errorf("delivery: %s exists and overwrite is false", path)
		}
		if dst.BackupExisting {
			if err := backupExisting(path); err != nil {
				return err
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("delivery: stat %s: %w", path, err)
	}

	payload, err := serializeOutcome(job, exec, dst.Format)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("delivery: write %s: %w", path, err)
	}

	if dst.Permissions != 0 {
		// best-effort: non-POSIX filesystems may reject or ignore this.
		_ = os.Chmod(path, os.FileMode(dst.Permissions))
	}
	return nil
}

func ensureParentDir(path string, createDirs bool) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("delivery: stat parent dir %s: %w", dir, err)
	}
	if !createDirs {
		return fmt.Errorf("delivery: parent dir %s does not exist and create_dirs is false", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("delivery: create parent dir %s: %w", dir, err)
	}
	return nil
}

func backupExisting(path string) error {
	backup := fmt.Sprintf("%s.bak.%s", path, time.Now().UTC().Format("20060102T150405.000000000Z"))
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("delivery: backup existing %s: %w", path, err)
	}
	return nil
}

// outcomeRecord is the tabular/structured shape written to every format,
// sharing the webhook body's fields so destinations are consistent
// across webhook and filesystem delivery.
type outcomeRecord struct {
	ExecutionID string               `json:"execution_id" yaml:"execution_id"`
	TaskID      int64                `json:"task_id" yaml:"task_id"`
	Status      core.ExecutionStatus `json:"status" yaml:"status"`
	Output      any                  `json:"output,omitempty" yaml:"output,omitempty"`
	Error       *core.ExecutionError `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt   *time.Time           `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	DurationMS  *int64               `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

func newOutcomeRecord(job *core.Job, exec *core.Execution) outcomeRecord {
	rec := outcomeRecord{
		ExecutionID: exec.UUID.String(),
		TaskID:      job.TaskID,
		Status:      exec.Status,
		Output:      exec.Output,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		DurationMS:  exec.DurationMS,
	}
	if exec.Error != nil {
		sanitized := exec.Error.Sanitize()
		rec.Error = &sanitized
	}
	return rec
}

func serializeOutcome(job *core.Job, exec *core.Execution, format core.DeliveryFormat) ([]byte, error) {
	rec := newOutcomeRecord(job, exec)
	switch format {
	case core.FormatYAML:
		out, err := yaml.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("delivery: marshal yaml: %w", err)
		}
		return out, nil
	case core.FormatCSV:
		return serializeCSV(rec)
	case core.FormatJSON, "":
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("delivery: marshal json: %w", err)
		}
		return append(out, '\n'), nil
	default:
		return nil, fmt.Errorf("delivery: unknown format %q", format)
	}
}

// CsvError reports that an output value isn't tabular enough to serialize
// as CSV.
type CsvError struct {
	Reason string
}

func (e *CsvError) Error() string { return fmt.Sprintf("delivery: csv: %s", e.Reason) }

// serializeCSV flattens rec to a row-oriented table. The record itself is
// always one row of scalar/JSON-object-valued fields; Output, if it is
// itself an array of objects, expands to one row per element instead.
func serializeCSV(rec outcomeRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("delivery: marshal for csv: %w", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("delivery: decode for csv: %w", err)
	}

	rows, err := csvRows(asMap)
	if err != nil {
		return nil, err
	}

	header := deterministicKeys(rows)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = false // \n line terminators, not \r\n

	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("delivery: write csv header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, k := range header {
			record[i] = stringify(row[k])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("delivery: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("delivery: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// csvRows decides whether rec's "output" field is itself an array of
// objects (one row per element) or a scalar/object (one row: rec as a
// whole).
func csvRows(rec map[string]any) ([]map[string]any, error) {
	output, ok := rec["output"]
	if !ok {
		return []map[string]any{rec}, nil
	}
	arr, ok := output.([]any)
	if !ok {
		return []map[string]any{rec}, nil
	}
	if len(arr) == 0 {
		return nil, &CsvError{Reason: "output is an empty array"}
	}
	rows := make([]map[string]any, 0, len(arr))
	for i, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, &CsvError{Reason: fmt.Sprintf("output[%d] is not an object", i)}
		}
		rows = append(rows, m)
	}
	return rows, nil
}

// deterministicKeys returns the union of every row's keys, sorted, so the
// header is stable across calls.
func deterministicKeys(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
