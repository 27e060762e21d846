// Package metrics provides constants used across metric definitions.
package metrics

// Label values shared by the sync collectors.
const (
	// AxisMetadata labels the metadata axis.
	AxisMetadata = "metadata"
	// AxisRecording labels the recording axis.
	AxisRecording = "recording"

	// OutcomeSucceeded counts records that reached their final state.
	OutcomeSucceeded = "succeeded"
	// OutcomeFailed counts records moved to FAILED.
	OutcomeFailed = "failed"
	// OutcomeConflict counts records another writer moved first.
	OutcomeConflict = "conflict"
	// OutcomeSkipped counts records already in flight in this process.
	OutcomeSkipped = "skipped"
)

// Histogram bucket parameters.
const (
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketStart100ms is the starting bucket for 100ms histograms (100ms to ~100s range).
	BucketStart100ms = 0.1

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)
