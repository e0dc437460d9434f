package engine

import "sync"

// StatusBuffer keeps the latest result per node id across all runs, so the
// editor can poll execution state. Reads consume: /api/v1/node-status
// returns the requested entries and clears them.
type StatusBuffer struct {
	mu      sync.Mutex
	results map[string]any
}

func NewStatusBuffer() *StatusBuffer {
	return &StatusBuffer{results: make(map[string]any)}
}

// Record stores the latest result for a node, replacing any previous one.
func (b *StatusBuffer) Record(nodeID string, result any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[nodeID] = result
}

// Take returns the results present for the requested node ids and removes
// exactly those entries.
func (b *StatusBuffer) Take(nodeIDs []string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any)
	for _, id := range nodeIDs {
		if res, ok := b.results[id]; ok {
			out[id] = res
			delete(b.results, id)
		}
	}
	return out
}
