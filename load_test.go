package s3db

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// LoadTestConfig configures a load test run against a resource.
type LoadTestConfig struct {
	Duration     time.Duration
	Concurrency  int
	OperationMix OperationMix
	KeyCount     int
}

// OperationMix defines the ratio of different operations, each out of 100.
type OperationMix struct {
	ReadPercent   int
	WritePercent  int
	DeletePercent int
}

// LoadTestResults contains the results of a load test.
type LoadTestResults struct {
	Duration         time.Duration
	TotalOperations  int64
	SuccessfulOps    int64
	FailedOps        int64
	Reads            int64
	Writes           int64
	Deletes          int64
	OperationsPerSec float64
}

// LoadTester drives concurrent Upsert/Get/Delete traffic against one
// resource, for exercising a Backend/Resource combination under
// concurrency the way a single integration test run cannot.
type LoadTester struct {
	resource *Resource
	config   LoadTestConfig
	stopChan chan struct{}
	results  *LoadTestResults
}

// NewLoadTester creates a load tester targeting one resource.
func NewLoadTester(resource *Resource, config LoadTestConfig) *LoadTester {
	return &LoadTester{
		resource: resource,
		config:   config,
		stopChan: make(chan struct{}),
		results:  &LoadTestResults{},
	}
}

// Run executes the load test for config.Duration (or until ctx is canceled)
// across config.Concurrency workers.
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResults, error) {
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < lt.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			lt.worker(ctx, workerID)
		}(i)
	}

	select {
	case <-time.After(lt.config.Duration):
		close(lt.stopChan)
	case <-ctx.Done():
		close(lt.stopChan)
	}

	wg.Wait()
	lt.results.Duration = time.Since(start)
	if lt.results.Duration > 0 {
		lt.results.OperationsPerSec = float64(lt.results.TotalOperations) / lt.results.Duration.Seconds()
	}

	return lt.results, nil
}

func (lt *LoadTester) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-lt.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		roll := rand.Intn(100)
		id := fmt.Sprintf("load-%d", rand.Intn(lt.config.KeyCount))

		var err error
		switch {
		case roll < lt.config.OperationMix.ReadPercent:
			_, err = lt.resource.Get(ctx, id)
			atomic.AddInt64(&lt.results.Reads, 1)
		case roll < lt.config.OperationMix.ReadPercent+lt.config.OperationMix.WritePercent:
			err = lt.resource.Upsert(ctx, id, map[string]interface{}{"id": id, "value": rand.Int63()})
			atomic.AddInt64(&lt.results.Writes, 1)
		default:
			err = lt.resource.Delete(ctx, id)
			atomic.AddInt64(&lt.results.Deletes, 1)
		}

		atomic.AddInt64(&lt.results.TotalOperations, 1)
		if err != nil && !IsNotFound(err) {
			atomic.AddInt64(&lt.results.FailedOps, 1)
		} else {
			atomic.AddInt64(&lt.results.SuccessfulOps, 1)
		}
	}
}

func TestLoadTester_Run(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	ctx := context.Background()
	db := newTestDatabase(t)
	r, err := db.CreateResource(ctx, ResourceConfig{
		Name:      "load_items",
		SchemaDef: map[string]string{"id": "string", "value": "number"},
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}

	lt := NewLoadTester(r, LoadTestConfig{
		Duration:     100 * time.Millisecond,
		Concurrency:  4,
		KeyCount:     20,
		OperationMix: OperationMix{ReadPercent: 40, WritePercent: 50, DeletePercent: 10},
	})

	results, err := lt.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results.TotalOperations == 0 {
		t.Fatal("expected at least one operation to run")
	}
	if results.SuccessfulOps+results.FailedOps != results.TotalOperations {
		t.Fatalf("op counts don't add up: success=%d failed=%d total=%d",
			results.SuccessfulOps, results.FailedOps, results.TotalOperations)
	}
}
