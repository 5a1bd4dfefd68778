package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/ipc"
)

const additionSchema = `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`

// fakeSource is a core.TaskSource backed by an in-memory map, counting
// resolves per ref so tests can assert cache behavior.
type fakeSource struct {
	content  map[core.TaskRef]*core.TaskContent
	resolves int32
}

func newFakeSource() *fakeSource { return &fakeSource{content: map[core.TaskRef]*core.TaskContent{}} }

func (f *fakeSource) put(ref core.TaskRef, code string, inputSchema, outputSchema []byte) {
	f.content[ref] = &core.TaskContent{Code: code, InputSchema: inputSchema, OutputSchema: outputSchema}
}

func (f *fakeSource) Resolve(ctx context.Context, ref core.TaskRef) (*core.TaskContent, error) {
	atomic.AddInt32(&f.resolves, 1)
	c, ok := f.content[ref]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return c, nil
}

func execTask(t *testing.T, e *Engine, ref core.TaskRef, input any) ipc.Message {
	t.Helper()
	return e.handleExecuteTask(context.Background(), ipc.ExecuteTask{
		TaskRef: ipc.TaskRefWire{UUID: ref.UUID.String(), Version: ref.Version},
		Input:   input,
	})
}

// TestEngineExecuteTaskHappyPath covers the execution path end to end:
// load, validate input, invoke, return output.
func TestEngineExecuteTaskHappyPath(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { return { sum: input.a + input.b }; })", []byte(additionSchema), nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, ref, map[string]any{"a": float64(2), "b": float64(3)})
	result, ok := resp.(ipc.TaskResult)
	require.True(t, ok, "expected TaskResult, got %T", resp)
	m, ok := result.OK.(map[string]any)
	require.True(t, ok, "expected map output, got %T", result.OK)
	require.EqualValues(t, 5, m["sum"])
}

// TestEngineLoadTaskCachesByFingerprint verifies a second invocation of
// the same (uuid, version) does not re-resolve.
func TestEngineLoadTaskCachesByFingerprint(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { return input.a + input.b; })", []byte(additionSchema), nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	_ = execTask(t, e, ref, map[string]any{"a": float64(1), "b": float64(1)})
	_ = execTask(t, e, ref, map[string]any{"a": float64(2), "b": float64(2)})

	require.EqualValues(t, 1, atomic.LoadInt32(&src.resolves))
}

// TestEngineExecuteTaskInputValidationFailure covers a schema mismatch
// mapping to ValidationError before the task body ever runs.
func TestEngineExecuteTaskInputValidationFailure(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { return input.a + input.b; })", []byte(additionSchema), nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, ref, map[string]any{"a": float64(1)}) // missing required "b"
	taskErr, ok := resp.(ipc.TaskError)
	require.True(t, ok, "expected TaskError, got %T", resp)
	require.Equal(t, core.KindValidationError, taskErr.Kind)
}

// TestEngineExecuteTaskUnknownRefIsTaskNotFound covers resolving a ref the
// source has never seen.
func TestEngineExecuteTaskUnknownRefIsTaskNotFound(t *testing.T) {
	src := newFakeSource()
	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, core.TaskRef{UUID: uuid.New(), Version: 1}, nil)
	taskErr, ok := resp.(ipc.TaskError)
	require.True(t, ok, "expected TaskError, got %T", resp)
	require.Equal(t, core.KindTaskNotFound, taskErr.Kind)
}

// TestEngineExecuteTaskThrownNetworkErrorMaps covers the thrown-error
// mapping: a thrown NetworkError classifies as KindNetworkError
// (retriable by default).
func TestEngineExecuteTaskThrownNetworkErrorMaps(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { throw new NetworkError('dial failed'); })", nil, nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, ref, nil)
	taskErr, ok := resp.(ipc.TaskError)
	require.True(t, ok, "expected TaskError, got %T", resp)
	require.Equal(t, core.KindNetworkError, taskErr.Kind)
	require.True(t, taskErr.Retriable)
}

// TestEngineExecuteTaskThrownDataErrorMaps covers the DataError -> Validation
// mapping.
func TestEngineExecuteTaskThrownDataErrorMaps(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { throw new DataError('malformed'); })", nil, nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, ref, nil)
	taskErr, ok := resp.(ipc.TaskError)
	require.True(t, ok, "expected TaskError, got %T", resp)
	require.Equal(t, core.KindValidationError, taskErr.Kind)
}

// TestEngineExecuteTaskPlainThrowIsExecutionError covers an unrecognized
// thrown error name defaulting to ExecutionError.
func TestEngineExecuteTaskPlainThrowIsExecutionError(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { throw new Error('oops'); })", nil, nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, ref, nil)
	taskErr, ok := resp.(ipc.TaskError)
	require.True(t, ok, "expected TaskError, got %T", resp)
	require.Equal(t, core.KindExecutionError, taskErr.Kind)
	require.False(t, taskErr.Retriable)
}

// TestEngineExecuteTaskFetchReachesHost covers the synchronous fetch
// surface bound fresh per invocation.
func TestEngineExecuteTaskFetchReachesHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"greeting":"hi"}`))
	}))
	defer srv.Close()

	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, `(function(input) { var r = fetch(input.url); return { status: r.status, body: r.body }; })`, nil, nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16, Fetch: FetchConfig{Timeout: 0, MaxRedirects: 3}}, nil)
	require.NoError(t, err)

	resp := execTask(t, e, ref, map[string]any{"url": srv.URL})
	result, ok := resp.(ipc.TaskResult)
	require.True(t, ok, "expected TaskResult, got %T", resp)
	m, ok := result.OK.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 200, m["status"])
	body, ok := m["body"].(map[string]any)
	require.True(t, ok, "expected parsed JSON body, got %T", m["body"])
	require.Equal(t, "hi", body["greeting"])
}

// TestEngineHealthStatusReportsTasksCompleted covers the HealthCheck reply
// path used by the pool's health-check strikes.
func TestEngineHealthStatusReportsTasksCompleted(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, "(function(input) { return 1; })", nil, nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	require.EqualValues(t, 0, e.healthStatus().TasksCompleted)
	_ = execTask(t, e, ref, nil)
	require.EqualValues(t, 1, e.healthStatus().TasksCompleted)
	require.False(t, e.healthStatus().Busy)
}

// TestEngineExecuteTaskReplaysFromHar covers replay mode: fetch is
// answered from the cassette, never the network.
func TestEngineExecuteTaskReplaysFromHar(t *testing.T) {
	src := newFakeSource()
	ref := core.TaskRef{UUID: uuid.New(), Version: 1}
	src.put(ref, `(function(input) { var r = fetch(input.url); return r.body; })`, nil, nil)

	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := e.handleExecuteTask(context.Background(), ipc.ExecuteTask{
		TaskRef: ipc.TaskRefWire{UUID: ref.UUID.String(), Version: ref.Version},
		Input:   map[string]any{"url": "https://example.test/ping"},
		Context: ipc.ExecContext{
			ReplayHAR: []ipc.HarEntry{
				{
					Request:  ipc.HarRequest{Method: "GET", URL: "https://example.test/ping"},
					Response: ipc.HarResponse{Status: 200, StatusText: "OK", Body: map[string]any{"pong": true}},
				},
			},
		},
	})

	result, ok := resp.(ipc.TaskResult)
	require.True(t, ok, "expected TaskResult, got %T", resp)
	body, ok := result.OK.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, body["pong"])
}

// TestEngineValidateTaskUnknownRef covers the ValidateTask message used by
// out-of-band validation requests.
func TestEngineValidateTaskUnknownRef(t *testing.T) {
	src := newFakeSource()
	e, err := New(Config{WorkerID: "w0", Source: src, CacheSize: 16}, nil)
	require.NoError(t, err)

	resp := e.handleValidateTask(context.Background(), ipc.ValidateTask{
		TaskRef: ipc.TaskRefWire{UUID: uuid.New().String(), Version: 1},
	})
	verr, ok := resp.(ipc.ValidationError)
	require.True(t, ok, "expected ValidationError, got %T", resp)
	require.NotEmpty(t, verr.Message)
}
