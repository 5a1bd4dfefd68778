package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindDefaultRetriable(t *testing.T) {
	cases := []struct {
		kind      ErrorKind
		retriable bool
	}{
		{KindNetworkError, true},
		{KindTimeout, true},
		{KindWorkerCrashed, true},
		{KindExecutorBusy, true},
		{KindValidationError, false},
		{KindTaskNotFound, false},
		{KindLoadFailed, false},
		{KindExecutionError, false},
		{KindCancelled, false},
		{KindTemplateError, false},
		{KindDeliveryError, false},
		{KindRepositoryError, false},
	}
	for _, c := range cases {
		require.Equal(t, c.retriable, c.kind.DefaultRetriable(), c.kind)
	}
}

func TestAsTaskErrorPassesThroughExisting(t *testing.T) {
	te := NewTaskError(KindNetworkError, "boom", nil)
	var err error = te
	require.Same(t, te, AsTaskError(err))
}

func TestAsTaskErrorMapsUnknownToExecutionError(t *testing.T) {
	err := errors.New("some generic error")
	got := AsTaskError(err)
	require.Equal(t, KindExecutionError, got.Kind)
	require.Equal(t, "some generic error", got.Message)
}

func TestAsTaskErrorNil(t *testing.T) {
	require.Nil(t, AsTaskError(nil))
}

func TestTaskErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	te := NewTaskError(KindLoadFailed, "wrap", cause)
	require.ErrorIs(t, te, cause)
}

func TestTaskErrorMessageFormatting(t *testing.T) {
	require.Equal(t, "NetworkError", (&TaskError{Kind: KindNetworkError}).Error())
	require.Equal(t, "NetworkError: dns failure", (&TaskError{Kind: KindNetworkError, Message: "dns failure"}).Error())
}

func TestExecutionErrorSanitizeStripsFilePathsAndSecrets(t *testing.T) {
	e := &ExecutionError{
		Kind:    KindExecutionError,
		Message: "failed at /home/app/internal/worker/engine.go:142: token=sk-super-secret",
	}
	got := e.Sanitize()
	require.NotContains(t, got.Message, "engine.go:142")
	require.NotContains(t, got.Message, "sk-super-secret")
}

func TestExecutionErrorSanitizeNilReceiver(t *testing.T) {
	var e *ExecutionError
	require.Equal(t, ExecutionError{}, e.Sanitize())
}
