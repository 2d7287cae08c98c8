package s3db

import "context"

// PartitionRepairReport is the result of an on-demand repair run across a
// set of partitions, the operator-triggered counterpart to the background
// PartitionHealthMonitor in index_health.go.
type PartitionRepairReport struct {
	Resource string
	Checked  map[string]*PartitionHealthReport // partition name -> pre-repair report
	Repaired []string                          // partitions that had drift and were repaired
	Failed   map[string]error                  // partitions whose repair attempt errored
}

// Drifted reports whether any checked partition had drift before repair.
func (r *PartitionRepairReport) Drifted() bool {
	for _, report := range r.Checked {
		if report.Drifted() {
			return true
		}
	}
	return false
}

// RepairPartitions checks every partition named (or every declared
// partition, if none are named) and repairs any that have drifted,
// returning a report of what was found and fixed. Unlike
// PartitionHealthMonitor, this runs once, synchronously, for operator
// tooling and admin endpoints rather than a scheduled background loop.
func RepairPartitions(ctx context.Context, r *Resource, partitions ...string) (*PartitionRepairReport, error) {
	if len(partitions) == 0 {
		partitions = r.PartitionNames()
	}

	report := &PartitionRepairReport{
		Resource: r.name,
		Checked:  make(map[string]*PartitionHealthReport, len(partitions)),
		Failed:   make(map[string]error),
	}

	for _, partition := range partitions {
		health, err := r.CheckPartitionHealth(ctx, partition)
		if err != nil {
			report.Failed[partition] = err
			continue
		}
		report.Checked[partition] = health
		if !health.Drifted() {
			continue
		}
		if err := r.RepairPartition(ctx, partition, health); err != nil {
			report.Failed[partition] = err
			continue
		}
		report.Repaired = append(report.Repaired, partition)
	}

	return report, nil
}
