package engine

import (
	"context"
	"fmt"

	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/core/condition"
)

// executeIfElse evaluates a condition over the value at fieldPath and emits
// branch "true" or "false". The input passes through the result so the
// selected branch sees the same data.
func (e *Engine) executeIfElse(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()

	conditionType := models.ConfigString(cfg, "conditionType", condition.TypeEquals)
	fieldPath := models.ConfigString(cfg, "fieldPath", "output.text")
	compareValue := models.ConfigString(cfg, "compareValue", "")
	caseSensitive := models.ConfigBool(cfg, "caseSensitive", false)

	actual, found := e.lookupPath(rn, fieldPath, inputData)
	if !found && conditionType != condition.TypeExists && conditionType != condition.TypeIsEmpty {
		e.log.Warn("if_else field not found", "node_id", node.ID, "field_path", fieldPath)
		actual = ""
	}

	var met bool
	var describeCondition string
	if conditionType == condition.TypeCEL {
		expression := models.ConfigString(cfg, "expression", "")
		met = e.conditions.EvaluateCEL(expression, actual, inputData)
		describeCondition = fmt.Sprintf("cel(%s) over %s", expression, fieldPath)
	} else {
		met = e.conditions.Compare(conditionType, actual, compareValue, caseSensitive)
		describeCondition = fmt.Sprintf("%s %s %s", fieldPath, conditionType, compareValue)
	}

	branch := "false"
	if met {
		branch = "true"
	}

	e.log.Info("if_else evaluated", "node_id", node.ID, "condition", describeCondition, "branch", branch)

	result := make(map[string]any, len(inputData)+3)
	for k, v := range inputData {
		result[k] = v
	}
	result["success"] = true
	result["branch"] = branch
	result["if_else_result"] = map[string]any{
		"condition_met": met,
		"checked_value": stringifyValue(actual),
		"condition":     describeCondition,
		"node_id":       node.ID,
	}
	return result, nil
}

func stringifyValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
