package worker

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/taskmill/corerunner/core"
)

// bindErrorConstructors installs NetworkError and DataError as JS error
// subclasses (standard Error is already present). Thrown instances carry a
// "name" property the mapper reads back to derive an ErrorKind.
func bindErrorConstructors(runtime *goja.Runtime) error {
	for _, name := range []string{"NetworkError", "DataError"} {
		ctorName := name
		ctor := runtime.ToValue(func(call goja.ConstructorCall) *goja.Object {
			msg := call.Argument(0)
			message := ""
			if !goja.IsUndefined(msg) {
				message = msg.String()
			}
			obj := call.This
			obj.Set("name", ctorName)
			obj.Set("message", message)
			obj.Set("stack", fmt.Sprintf("%s: %s", ctorName, message))
			return obj
		})
		ctorObj := ctor.ToObject(runtime)

		// Inherit from Error.prototype so `instanceof Error` still holds.
		errCtorVal := runtime.Get("Error")
		if errCtorVal != nil {
			if errCtorObj := errCtorVal.ToObject(runtime); errCtorObj != nil {
				if protoVal := errCtorObj.Get("prototype"); protoVal != nil {
					proto := protoVal.ToObject(runtime)
					newProto := runtime.NewObject()
					newProto.SetPrototype(proto)
					newProto.Set("name", ctorName)
					ctorObj.Set("prototype", newProto)
				}
			}
		}

		if err := runtime.Set(name, ctor); err != nil {
			return fmt.Errorf("worker: bind %s: %w", name, err)
		}
	}
	return nil
}

// mapJSErrorToGoError maps a goja call error (typically *goja.Exception)
// to a *core.TaskError, deriving Kind from the thrown value's constructor
// name. Unknown/unrecognized kinds map to ExecutionError.
func mapJSErrorToGoError(runtime *goja.Runtime, callErr error) error {
	exc, ok := callErr.(*goja.Exception)
	if !ok {
		return core.NewTaskError(core.KindExecutionError, callErr.Error(), callErr)
	}
	return core.NewTaskError(classifyThrown(runtime, exc.Value()), exc.Error(), exc)
}

// mapPanicToError handles a Go panic escaping goja (e.g. a host binding
// misuse) the same way: never let it cross the worker boundary unmapped.
func mapPanicToError(runtime *goja.Runtime, r any) error {
	if gojaErr, ok := r.(*goja.Exception); ok {
		return core.NewTaskError(classifyThrown(runtime, gojaErr.Value()), gojaErr.Error(), gojaErr)
	}
	return core.NewTaskError(core.KindExecutionError, fmt.Sprintf("panic: %v", r), nil)
}

func classifyThrown(runtime *goja.Runtime, v goja.Value) core.ErrorKind {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return core.KindExecutionError
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return core.KindExecutionError
	}
	name := obj.Get("name")
	if name == nil {
		return core.KindExecutionError
	}
	switch name.String() {
	case "NetworkError":
		return core.KindNetworkError
	case "DataError":
		return core.KindValidationError
	default:
		return core.KindExecutionError
	}
}
