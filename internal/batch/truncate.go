package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
)

// Per-call cap and cumulative batch budget for truncating oversized
// results. Larger than the defaults carried by the truncation value
// object this was grounded on, matching this system's own stated limits.
const (
	PerCallCapBytes   = 10 << 20 // 10 MiB
	BatchBudgetBytes  = 50 << 20 // 50 MiB
)

// TruncationConfig controls the Batch Executor's truncation behavior.
type TruncationConfig struct {
	Enabled       bool
	CacheTTL      time.Duration
	MaxCacheEntries int
}

// DefaultTruncationConfig returns truncation disabled (opt-in, per the
// source this was distilled from) with conservative cache defaults.
func DefaultTruncationConfig() TruncationConfig {
	return TruncationConfig{Enabled: false, CacheTTL: 5 * time.Minute, MaxCacheEntries: 10000}
}

// applyTruncation measures each successful result's serialized size,
// drops the payload and marks it truncated if it exceeds the per-call cap
// or would push the batch past its cumulative budget, and stores the full
// value under a continuation id for later retrieval.
func (e *Executor) applyTruncation(batchID string, results []hangar.CallResult) {
	if !e.truncCfg.Enabled {
		return
	}
	var cumulative int64
	for i := range results {
		r := &results[i]
		if !r.Success || r.Value == nil {
			continue
		}
		size := serializedSize(r.Value)
		over := size > PerCallCapBytes || cumulative+size > BatchBudgetBytes
		cumulative += size
		if !over {
			continue
		}
		contID := continuationID(batchID, r.Index)
		if e.cache != nil {
			e.cache.Store(contID, r.Value, e.truncCfg.CacheTTL)
		}
		r.Value = nil
		r.Truncated = true
		r.OriginalSizeBytes = size
		r.ContinuationID = contID
	}
}

func serializedSize(v any) int64 {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

func continuationID(batchID string, callIndex int) string {
	return fmt.Sprintf("cont_%s_%d_%s", batchID, callIndex, shortID())
}
