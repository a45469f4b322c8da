// Package verify evaluates the CEL expectations that decide whether a
// candidate actually had the intended effect.
package verify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
)

// Input is the read-back a verification command produced
type Input struct {
	Stdout   string
	ExitCode int
	// Value is the trimmed read-back output, or the property value for property checks
	Value string
	// Before is the same read-back taken before the command ran, if captured
	Before string
	Params map[string]string
}

// Evaluator compiles and runs verification expressions.
// Compiled programs are cached by expression text.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates the CEL environment used for every expectation
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("stdout", cel.StringType),
		cel.Variable("exit_code", cel.IntType),
		cel.Variable("value", cel.StringType),
		cel.Variable("before", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.StringType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Check compiles expression and rejects anything that is not boolean
func (e *Evaluator) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	ast, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error parsing expression: %w", issues.Err())
	}
	checked, issues := e.env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error type-checking expression: %w", issues.Err())
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", out)
	}
	prg, err := e.env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("error compiling expression: %w", err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// Eval runs expression against in
func (e *Evaluator) Eval(expression string, in Input) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	params := in.Params
	if params == nil {
		params = map[string]string{}
	}
	result, _, err := prg.Eval(map[string]interface{}{
		"stdout":    in.Stdout,
		"exit_code": int64(in.ExitCode),
		"value":     in.Value,
		"before":    in.Before,
		"params":    params,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating expression: %w", err)
	}
	if result.Type() != types.BoolType {
		return false, fmt.Errorf("expression did not evaluate to a boolean")
	}
	return result.Value().(bool), nil
}
