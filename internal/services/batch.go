package services

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nestaid/nestaid-server/pkg/metrics"
)

// DefaultBatchWorkers bounds per-batch concurrency. Kept low to protect the
// storage layer and downstream rate limits rather than maximise throughput.
const DefaultBatchWorkers = 10

// ItemOutcome partitions a batch item into exactly one result bucket.
type ItemOutcome string

const (
	ItemSuccessful ItemOutcome = "successful"
	ItemFailed     ItemOutcome = "failed"
	ItemDuplicate  ItemOutcome = "duplicate"
)

// ItemResult is the outcome of one per-item operation within a batch.
type ItemResult struct {
	Index      int    `json:"index"`
	Outcome    ItemOutcome `json:"-"`
	ID         string `json:"id,omitempty"`          // created record
	ExistingID string `json:"existing_id,omitempty"` // duplicate/conflict target
	Reason     string `json:"reason,omitempty"`
}

// BatchResult is the stable three-way partition of a bulk operation. Each
// slice preserves input submission order.
type BatchResult struct {
	Successful []ItemResult `json:"successful"`
	Failed     []ItemResult `json:"failed"`
	Duplicates []ItemResult `json:"duplicates"`
}

// Total returns the number of partitioned items; it always equals the input
// length regardless of per-item failures.
func (r BatchResult) Total() int {
	return len(r.Successful) + len(r.Failed) + len(r.Duplicates)
}

// RunBatch executes op for every index in [0, n) with at most workers
// concurrent invocations, and partitions the per-item results. Per-item
// failures never abort the batch; every item runs to completion once the
// batch has started.
func RunBatch(ctx context.Context, kind string, n, workers int, op func(ctx context.Context, index int) ItemResult) BatchResult {
	ctx = ensureContext(ctx)
	if workers <= 0 {
		workers = DefaultBatchWorkers
	}

	results := make([]ItemResult, n)

	group := errgroup.Group{}
	group.SetLimit(workers)
	for i := 0; i < n; i++ {
		index := i
		group.Go(func() error {
			result := op(ctx, index)
			result.Index = index
			if result.Outcome == "" {
				result.Outcome = ItemFailed
				result.Reason = defaultIfEmpty(result.Reason, "INTERNAL_ERROR")
			}
			results[index] = result
			return nil
		})
	}
	// Workers never return errors; per-item failures live in the partition.
	_ = group.Wait()

	var partition BatchResult
	for _, result := range results {
		metrics.BatchItems.WithLabelValues(kind, string(result.Outcome)).Inc()
		switch result.Outcome {
		case ItemSuccessful:
			partition.Successful = append(partition.Successful, result)
		case ItemDuplicate:
			partition.Duplicates = append(partition.Duplicates, result)
		default:
			partition.Failed = append(partition.Failed, result)
		}
	}
	return partition
}
