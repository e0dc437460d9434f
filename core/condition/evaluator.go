package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/gigaflow/gigaflow/common/logger"
)

// Condition types understood by if_else nodes.
const (
	TypeEquals       = "equals"
	TypeNotEquals    = "not_equals"
	TypeContains     = "contains"
	TypeNotContains  = "not_contains"
	TypeGreater      = "greater"
	TypeGreaterEqual = "greater_equal"
	TypeLess         = "less"
	TypeLessEqual    = "less_equal"
	TypeRegex        = "regex"
	TypeExists       = "exists"
	TypeIsEmpty      = "is_empty"
	TypeIsNotEmpty   = "is_not_empty"
	TypeCEL          = "cel"
)

// Evaluator evaluates if_else conditions. CEL programs are compiled once and
// cached by expression.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
	log   *logger.Logger
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator(log *logger.Logger) *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
		log:   log,
	}
}

// Compare applies an operator condition to the value found at the node's
// field path. Ordering operators coerce both sides to float64; everything
// else compares string forms. The result is always a definite branch, never
// an error.
func (e *Evaluator) Compare(conditionType string, actual any, compare string, caseSensitive bool) bool {
	switch conditionType {
	case TypeExists:
		return actual != nil
	case TypeIsEmpty:
		return actual == nil || strings.TrimSpace(stringify(actual)) == ""
	case TypeIsNotEmpty:
		return actual != nil && strings.TrimSpace(stringify(actual)) != ""
	}

	if conditionType == TypeGreater || conditionType == TypeGreaterEqual ||
		conditionType == TypeLess || conditionType == TypeLessEqual {
		a, errA := toFloat(actual)
		b, errB := strconv.ParseFloat(strings.TrimSpace(compare), 64)
		if errA != nil || errB != nil {
			// unparsable operands compare as 0 == 0
			a, b = 0, 0
		}
		switch conditionType {
		case TypeGreater:
			return a > b
		case TypeGreaterEqual:
			return a >= b
		case TypeLess:
			return a < b
		case TypeLessEqual:
			return a <= b
		}
	}

	actualStr := stringify(actual)
	compareStr := compare
	if !caseSensitive {
		actualStr = strings.ToLower(actualStr)
		compareStr = strings.ToLower(compareStr)
	}

	switch conditionType {
	case TypeEquals:
		return actualStr == compareStr
	case TypeNotEquals:
		return actualStr != compareStr
	case TypeContains:
		return strings.Contains(actualStr, compareStr)
	case TypeNotContains:
		return !strings.Contains(actualStr, compareStr)
	case TypeRegex:
		re, err := regexp.Compile(compare)
		if err != nil {
			e.log.Warn("invalid condition regex", "pattern", compare, "error", err)
			return false
		}
		return re.MatchString(stringify(actual))
	default:
		e.log.Warn("unknown condition type, branch false", "type", conditionType)
		return false
	}
}

// EvaluateCEL evaluates a CEL expression with `output` bound to the resolved
// field source and `ctx` to the node's current inputs. Compile and runtime
// errors produce branch false with a warning, never an aborted run.
func (e *Evaluator) EvaluateCEL(expr string, output any, ctx map[string]any) bool {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = compileCEL(expr)
		if err != nil {
			e.log.Warn("CEL compilation failed, branch false", "expression", expr, "error", err)
			return false
		}

		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	if ctx == nil {
		ctx = map[string]any{}
	}
	if output == nil {
		output = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"ctx":    ctx,
	})
	if err != nil {
		e.log.Warn("CEL evaluation failed, branch false", "expression", expr, "error", err)
		return false
	}

	result, ok := out.Value().(bool)
	if !ok {
		e.log.Warn("CEL expression is not boolean, branch false", "expression", expr, "got", fmt.Sprintf("%T", out.Value()))
		return false
	}
	return result
}

func compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached CEL programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, fmt.Errorf("nil value")
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
