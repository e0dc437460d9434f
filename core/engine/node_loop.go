package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
)

// executeLoop fetches an array at a templated path and runs a stored
// sub-workflow once per element with {item, loop_index} as initial input.
// Parallel mode is bounded by a counting semaphore; results keep item order
// regardless of completion order.
func (e *Engine) executeLoop(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	start := time.Now()
	cfg := node.Config()

	arrayPath := models.ConfigString(cfg, "inputArrayPath", "items")
	subWorkflowID := models.ConfigString(cfg, "subWorkflowId", "")
	executionMode := models.ConfigString(cfg, "executionMode", "sequential")
	maxConcurrent := models.ConfigInt(cfg, "maxConcurrent", e.cfg.MaxConcurrent)
	skipErrors := models.ConfigBool(cfg, "skipErrors", true)
	batchSize := models.ConfigInt(cfg, "batchSize", 0)

	if subWorkflowID == "" {
		return nil, fmt.Errorf("loop node: subWorkflowId is required")
	}

	value, found := e.lookupPath(rn, arrayPath, inputData)
	if !found {
		// A list in the input's json field is an acceptable stand-in when
		// the configured path misses.
		if list, ok := inputData["json"].([]any); ok {
			value = list
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("loop node: no data found at path '%s'", arrayPath)
	}

	array, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("loop node: input at path '%s' is not a list", arrayPath)
	}

	wf, err := e.store.Get(ctx, subWorkflowID)
	if err != nil {
		return nil, fmt.Errorf("loop node: sub-workflow '%s' not found", subWorkflowID)
	}
	subReq := &models.WorkflowExecuteRequest{Nodes: wf.Nodes, Connections: wf.Connections}

	runItem := func(item any, idx int) map[string]any {
		subInput := map[string]any{"item": item, "loop_index": idx}
		res := e.Execute(ctx, subReq, subInput)

		entry := map[string]any{
			"success": res.Success,
			"result":  res.Result,
			"item":    item,
			"index":   idx,
		}
		if !res.Success {
			entry["error"] = res.Error
		} else {
			entry["error"] = nil
		}
		return entry
	}

	results := make([]map[string]any, len(array))

	process := func(lo, hi int) error {
		if executionMode == "parallel" {
			sem := make(chan struct{}, maxConcurrent)
			var wg sync.WaitGroup
			for idx := lo; idx < hi; idx++ {
				wg.Add(1)
				sem <- struct{}{}
				go func(idx int) {
					defer wg.Done()
					defer func() { <-sem }()
					results[idx] = runItem(array[idx], idx)
				}(idx)
			}
			wg.Wait()
		} else {
			for idx := lo; idx < hi; idx++ {
				results[idx] = runItem(array[idx], idx)
			}
		}

		if !skipErrors {
			for idx := lo; idx < hi; idx++ {
				if ok, _ := results[idx]["success"].(bool); !ok {
					return fmt.Errorf("loop node: item %d failed: %v", idx, results[idx]["error"])
				}
			}
		}
		return nil
	}

	if batchSize > 0 && len(array) > batchSize {
		batches := (len(array) + batchSize - 1) / batchSize
		e.log.Info("loop processing in batches", "node_id", node.ID, "batches", batches, "batch_size", batchSize)
		for lo := 0; lo < len(array); lo += batchSize {
			hi := lo + batchSize
			if hi > len(array) {
				hi = len(array)
			}
			if err := process(lo, hi); err != nil {
				return nil, err
			}
		}
	} else {
		if err := process(0, len(array)); err != nil {
			return nil, err
		}
	}

	successCount := 0
	for _, r := range results {
		if ok, _ := r["success"].(bool); ok {
			successCount++
		}
	}
	errorCount := len(results) - successCount

	asAny := make([]any, len(results))
	for i, r := range results {
		asAny[i] = r
	}

	return map[string]any{
		"results": asAny,
		"summary": map[string]any{
			"total":             len(array),
			"executed":          len(results),
			"success_count":     successCount,
			"error_count":       errorCount,
			"execution_mode":    executionMode,
			"execution_time_ms": time.Since(start).Milliseconds(),
		},
		"output": map[string]any{
			"text": fmt.Sprintf("Processed %d items with %d successes and %d errors",
				len(array), successCount, errorCount),
			"json": asAny,
		},
	}, nil
}
