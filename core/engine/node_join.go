package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
)

// executeJoin merges the buffered results of all incoming branches. Fields
// identical across every source are promoted to the top level; the remainder
// is isolated per source under join_result.sources.
func (e *Engine) executeJoin(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()
	strategy := models.ConfigString(cfg, "mergeStrategy", "combine_text")
	separator := strings.ReplaceAll(models.ConfigString(cfg, "separator", "\n\n---\n\n"), `\n`, "\n")

	inputs, _ := inputData["inputs"].(map[string]any)
	if len(inputs) == 0 {
		return map[string]any{
			"success":     false,
			"join_result": map[string]any{"error": "No inputs to join"},
		}, nil
	}

	// Single source: pass it through untouched.
	if len(inputs) == 1 {
		for _, v := range inputs {
			if m, ok := v.(map[string]any); ok {
				return m, nil
			}
			return map[string]any{"output": v, "success": true}, nil
		}
	}

	sourceIDs := make([]string, 0, len(inputs))
	for id := range inputs {
		sourceIDs = append(sourceIDs, id)
	}
	sort.Strings(sourceIDs)

	sources := make([]map[string]any, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		m, _ := inputs[id].(map[string]any)
		sources = append(sources, m)
	}

	// Fields present with an equal value in every source are common.
	commonData := map[string]any{}
	for key, value := range sources[0] {
		shared := true
		for _, other := range sources[1:] {
			v, ok := other[key]
			if !ok || !deepEqualJSON(v, value) {
				shared = false
				break
			}
		}
		if shared {
			commonData[key] = value
		}
	}

	uniquePerSource := make(map[string]any, len(sourceIDs))
	for i, id := range sourceIDs {
		unique := map[string]any{}
		for k, v := range sources[i] {
			if _, isCommon := commonData[k]; !isCommon {
				unique[k] = v
			}
		}
		uniquePerSource[id] = unique
	}

	var outputData map[string]any
	switch strategy {
	case "combine_text":
		texts := make([]string, 0, len(sourceIDs))
		for _, id := range sourceIDs {
			text := extractText(uniquePerSource[id])
			texts = append(texts, fmt.Sprintf("=== Source %s ===\n%s", id, text))
		}
		outputData = map[string]any{
			"text":         strings.Join(texts, separator),
			"source_count": len(inputs),
		}
	case "merge_json":
		raw, _ := json.Marshal(uniquePerSource)
		outputData = map[string]any{
			"json":         uniquePerSource,
			"text":         string(raw),
			"source_count": len(inputs),
		}
	default:
		return nil, fmt.Errorf("join node: unknown merge strategy %s", strategy)
	}

	result := make(map[string]any, len(commonData)+3)
	for k, v := range commonData {
		result[k] = v
	}
	result["join_result"] = map[string]any{
		"sources": uniquePerSource,
		"metadata": map[string]any{
			"source_count":   len(inputs),
			"source_ids":     sourceIDs,
			"merge_strategy": strategy,
			"merge_time":     time.Now().Format(time.RFC3339),
		},
	}
	result["output"] = outputData
	result["success"] = true
	return result, nil
}

// extractText digs for the most representative text in a merged value:
// a top-level "text", then "output.text", then any string field, falling
// back to the JSON form.
func extractText(v any) string {
	switch data := v.(type) {
	case string:
		return data
	case map[string]any:
		if text, ok := data["text"].(string); ok {
			return text
		}
		if output, ok := data["output"].(map[string]any); ok {
			if text, ok := output["text"].(string); ok {
				return text
			}
		}
		for _, value := range data {
			if nested, ok := value.(map[string]any); ok {
				if found := extractText(nested); found != "" {
					return found
				}
			} else if s, ok := value.(string); ok {
				return s
			}
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func deepEqualJSON(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
