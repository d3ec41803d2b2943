package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/config"
	"github.com/mrzor/sched-timeline/internal/emit"
)

// recordEnvTemplate types the variables available to attribute expressions.
var recordEnvTemplate = map[string]interface{}{
	"kind":      "",
	"class":     "",
	"scheduler": 0,
	"start":     0.0,
	"duration":  0.0,
	"pid":       "",
	"name":      "",
	"depth":     0,
}

// RecordEnv builds the expression environment for one record.
func RecordEnv(e emit.Entry) map[string]interface{} {
	r := e.Record
	pid := ""
	if r.PID != nil {
		pid = r.PID.Text()
	}
	return map[string]interface{}{
		"kind":      r.Kind.String(),
		"class":     r.Class,
		"scheduler": e.Scheduler,
		"start":     r.Start,
		"duration":  r.Duration,
		"pid":       pid,
		"name":      r.Name,
		"depth":     e.Depth,
	}
}

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	logger        *zap.Logger
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions for efficiency.
func NewEvaluator(customAttrs []config.CustomAttribute, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(recordEnvTemplate))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		logger:        logger.Named("attributes"),
	}, nil
}

// Len returns the number of configured attributes.
func (e *Evaluator) Len() int {
	return len(e.customAttrs)
}

// Evaluate runs every expression against the record. Expressions that fail
// at runtime are logged and skipped.
func (e *Evaluator) Evaluate(entry emit.Entry) []attribute.KeyValue {
	if len(e.customAttrs) == 0 {
		return nil
	}

	env := RecordEnv(entry)

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.logger.Warn("Failed to evaluate attribute expression",
				zap.String("attribute", customAttr.Name),
				zap.Error(err))
			continue
		}

		// Maps expand into one attribute per key with dot notation
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() == reflect.Map {
			for _, key := range outputValue.MapKeys() {
				keyStr := fmt.Sprintf("%v", key.Interface())
				attrName := customAttr.Name + "." + sanitizeAttributeName(keyStr)
				attrs = append(attrs, attribute.String(attrName, fmt.Sprint(outputValue.MapIndex(key).Interface())))
			}
			continue
		}

		attrs = append(attrs, toAttribute(customAttr.Name, output))
	}

	return attrs
}

// toAttribute keeps scalar types where OpenTelemetry has a matching value kind.
func toAttribute(name string, v interface{}) attribute.KeyValue {
	switch x := v.(type) {
	case bool:
		return attribute.Bool(name, x)
	case int:
		return attribute.Int(name, x)
	case int64:
		return attribute.Int64(name, x)
	case float64:
		return attribute.Float64(name, x)
	case string:
		return attribute.String(name, x)
	default:
		return attribute.String(name, fmt.Sprint(v))
	}
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
// This ensures attribute names are safe for OpenTelemetry.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
