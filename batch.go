package s3db

import (
	"context"
	"fmt"
	"sync"
)

// BatchOperation reports the outcome of one id within a fan-out batch call.
type BatchOperation struct {
	ID    string
	Error error
}

// BatchInsert inserts every doc in docs concurrently, one goroutine per
// document, going through the full Resource Engine path (schema
// validation, behavior split, partition refs, hooks) for each rather than
// writing raw objects straight to the backend. Each doc keeps its
// assigned id (existing or freshly generated) in the returned operation.
func (r *Resource) BatchInsert(ctx context.Context, docs []map[string]interface{}) []BatchOperation {
	results := make([]BatchOperation, len(docs))
	var wg sync.WaitGroup

	for i, doc := range docs {
		wg.Add(1)
		go func(i int, doc map[string]interface{}) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				results[i] = BatchOperation{Error: ctx.Err()}
				return
			default:
			}
			id, err := r.Insert(ctx, doc)
			results[i] = BatchOperation{ID: id, Error: err}
		}(i, doc)
	}

	wg.Wait()
	return results
}

// BatchGet fetches every id concurrently and returns the documents that
// were found; ids that errored (including NotFoundError) are omitted,
// not reported — callers needing per-id errors should use BatchGetWithErrors.
func (r *Resource) BatchGet(ctx context.Context, ids []string) map[string]map[string]interface{} {
	docs, _ := r.BatchGetWithErrors(ctx, ids)
	return docs
}

// BatchGetWithErrors fetches every id concurrently, returning both the
// documents that were found and a BatchOperation per id that failed.
func (r *Resource) BatchGetWithErrors(ctx context.Context, ids []string) (map[string]map[string]interface{}, []BatchOperation) {
	docs := make(map[string]map[string]interface{})
	var errs []BatchOperation
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, BatchOperation{ID: id, Error: ctx.Err()})
				mu.Unlock()
				return
			default:
			}
			doc, err := r.Get(ctx, id)
			mu.Lock()
			if err != nil {
				errs = append(errs, BatchOperation{ID: id, Error: err})
			} else {
				docs[id] = doc
			}
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	return docs, errs
}

// BatchDelete deletes every id concurrently, one goroutine per id, through
// the Resource Engine's paranoid-delete-aware Delete.
func (r *Resource) BatchDelete(ctx context.Context, ids []string) []BatchOperation {
	results := make([]BatchOperation, len(ids))
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = BatchOperation{ID: id, Error: r.Delete(ctx, id)}
		}(i, id)
	}

	wg.Wait()
	return results
}

// BatchExists checks existence of every id concurrently.
func (r *Resource) BatchExists(ctx context.Context, ids []string) map[string]bool {
	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			exists, err := r.Exists(ctx, id)
			mu.Lock()
			results[id] = err == nil && exists
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	return results
}

// BatchResultSummary tallies a slice of BatchOperation into pass/fail counts.
type BatchResultSummary struct {
	Total      int
	Successful int
	Failed     int
	Errors     []BatchOperation
}

// AnalyzeBatchResults summarizes the outcome of a BatchInsert/BatchDelete call.
func AnalyzeBatchResults(operations []BatchOperation) *BatchResultSummary {
	result := &BatchResultSummary{Total: len(operations)}
	for _, op := range operations {
		if op.Error == nil {
			result.Successful++
		} else {
			result.Failed++
			result.Errors = append(result.Errors, op)
		}
	}
	return result
}

// BatchWriter accumulates documents and flushes them through BatchInsert
// once batchSize is reached, for callers ingesting a large stream of
// documents (a bulk import job) without holding all of them in memory at once.
type BatchWriter struct {
	resource  *Resource
	docs      []map[string]interface{}
	batchSize int
	mu        sync.Mutex
}

// NewBatchWriter creates a batch writer over r that flushes every batchSize documents.
func (r *Resource) NewBatchWriter(batchSize int) *BatchWriter {
	return &BatchWriter{resource: r, batchSize: batchSize}
}

// Add queues doc for insertion, flushing automatically once batchSize
// documents have accumulated.
func (bw *BatchWriter) Add(ctx context.Context, doc map[string]interface{}) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.docs = append(bw.docs, doc)
	if len(bw.docs) >= bw.batchSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

// Flush inserts every pending document immediately.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.docs) == 0 {
		return nil
	}

	results := bw.resource.BatchInsert(ctx, bw.docs)
	analysis := AnalyzeBatchResults(results)
	bw.docs = nil

	if analysis.Failed > 0 {
		return fmt.Errorf("batch insert failed: %d/%d documents failed", analysis.Failed, analysis.Total)
	}
	return nil
}
