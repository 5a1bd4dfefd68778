package worker

import (
	"fmt"

	"github.com/dop251/goja"
)

// compiledProgram is a parsed task body plus the callable it evaluates to,
// bound to one Engine's runtime (workers are single-threaded, so one
// goja.Runtime lives for the worker process's whole life).
type compiledProgram struct {
	program  *goja.Program
	callable goja.Callable
}

// compileTaskCode parses code (an expression evaluating to a function of
// one argument) against runtime, asserting the result is callable.
func compileTaskCode(runtime *goja.Runtime, name, code string) (*compiledProgram, error) {
	prog, err := goja.Compile(name, code, true)
	if err != nil {
		return nil, fmt.Errorf("worker: parse task code: %w", err)
	}

	val, err := runtime.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("worker: evaluate task code: %w", err)
	}

	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("worker: task code did not evaluate to a function")
	}

	return &compiledProgram{program: prog, callable: fn}, nil
}

// invoke calls the compiled function with input, returning its exported
// Go value or an error derived from whatever JS threw.
func (p *compiledProgram) invoke(runtime *goja.Runtime, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mapPanicToError(runtime, r)
		}
	}()

	ret, callErr := p.callable(goja.Undefined(), runtime.ToValue(input))
	if callErr != nil {
		return nil, mapJSErrorToGoError(runtime, callErr)
	}
	return ret.Export(), nil
}
