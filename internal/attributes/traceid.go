package attributes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDEvaluator derives the trace a quantum is exported into.
type TraceIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewTraceIDEvaluator compiles exprStr against the environment
// {run_id string, scheduler int, start float}. If exprStr is empty, every
// quantum gets a random trace ID.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		return &TraceIDEvaluator{}, nil
	}

	exprEnv := map[string]interface{}{
		"run_id":    "",
		"scheduler": 0,
		"start":     0.0,
	}

	program, err := expr.Compile(exprStr, expr.Env(exprEnv))
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}

	return &TraceIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// Configured reports whether an expression was given.
func (e *TraceIDEvaluator) Configured() bool {
	return e.program != nil
}

// EvaluateAndValidate evaluates the trace-id expression for one quantum.
// Returns the trace ID, any warnings to attach to the root span, and an error.
// Without an expression it returns a zero trace ID and the caller lets the SDK
// pick one.
func (e *TraceIDEvaluator) EvaluateAndValidate(runID string, scheduler int, start float64) (trace.TraceID, []attribute.KeyValue, error) {
	if e.program == nil {
		return trace.TraceID{}, nil, nil
	}

	env := map[string]interface{}{
		"run_id":    runID,
		"scheduler": scheduler,
		"start":     start,
	}

	output, err := expr.Run(e.program, env)
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)

	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	// Not a trace ID: hash it with SHA-256 and keep the first 16 bytes
	hash := sha256.Sum256([]byte(resultStr))
	traceID, err := trace.TraceIDFromHex(hex.EncodeToString(hash[:16]))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to create trace ID from hash: %w", err)
	}

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
	}

	return traceID, warnings, nil
}
