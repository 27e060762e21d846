package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/callsync/internal/compressor"
	"github.com/tphakala/callsync/internal/datastore"
	"github.com/tphakala/callsync/internal/syncer"
	"github.com/tphakala/callsync/internal/syncstatus"
)

type staticCounts struct {
	counts *datastore.StatusCounts
}

func (s staticCounts) CountByStatus(context.Context) (*datastore.StatusCounts, error) {
	return s.counts, nil
}

func sampleReport() *syncer.PassReport {
	return &syncer.PassReport{
		ID:          "p1",
		StartedAt:   time.Unix(1714550400, 0),
		Duration:    1500 * time.Millisecond,
		Recovered:   2,
		AutoRetried: 1,
		Metadata: syncer.AxisReport{
			Attempted: 5, Succeeded: 3, Failed: 1, Conflicts: 1,
			Failures: map[syncstatus.ErrorKind]int{syncstatus.KindNetwork: 1},
		},
		Recording: syncer.AxisReport{
			Attempted: 3, Succeeded: 1, Failed: 2, Skipped: 1,
			Failures: map[syncstatus.ErrorKind]int{syncstatus.KindRejected: 1, syncstatus.KindMissing: 1},
		},
		Compression: map[compressor.Result]int{compressor.ResultSuccess: 2, compressor.ResultSkippedTooSmall: 1},
		Reused:      1,
		BytesSaved:  4096,
		Errors:      []string{"storage next_recording_batch: database is locked"},
	}
}

func TestSyncMetricsRecordsPass(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	m.PassCompleted(t.Context(), sampleReport())

	assert.InDelta(t, 1, testutil.ToFloat64(m.passesTotal.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.passErrorsTotal), 0)
	assert.InDelta(t, 1714550400, testutil.ToFloat64(m.lastPassTimestamp), 0)

	assert.InDelta(t, 3, testutil.ToFloat64(m.recordsTotal.WithLabelValues(AxisMetadata, OutcomeSucceeded)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.recordsTotal.WithLabelValues(AxisMetadata, OutcomeConflict)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.recordsTotal.WithLabelValues(AxisRecording, OutcomeFailed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.recordsTotal.WithLabelValues(AxisRecording, OutcomeSkipped)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.failuresTotal.WithLabelValues(AxisRecording, "rejected")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.failuresTotal.WithLabelValues(AxisMetadata, "network")), 0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.recoveredTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.autoRetriedTotal), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.compressionResultsTotal.WithLabelValues("SUCCESS")), 0)
	assert.InDelta(t, 4096, testutil.ToFloat64(m.bytesSavedTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.artifactsReusedTotal), 0)

	cancelled := sampleReport()
	cancelled.Cancelled = true
	m.PassCompleted(t.Context(), cancelled)
	assert.InDelta(t, 1, testutil.ToFloat64(m.passesTotal.WithLabelValues("cancelled")), 0)
	assert.InDelta(t, 6, testutil.ToFloat64(m.recordsTotal.WithLabelValues(AxisMetadata, OutcomeSucceeded)), 0)
}

func TestSyncMetricsStatusGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	m.SetStatusSource(staticCounts{counts: &datastore.StatusCounts{
		Metadata: map[syncstatus.MetadataStatus]int64{
			syncstatus.MetadataPending: 4,
			syncstatus.MetadataSynced:  10,
		},
		Recording: map[syncstatus.RecordingStatus]int64{
			syncstatus.RecordingFailed: 2,
		},
	}})
	m.PassCompleted(t.Context(), &syncer.PassReport{})

	assert.InDelta(t, 4, testutil.ToFloat64(m.storeRecords.WithLabelValues(AxisMetadata, "PENDING")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(m.storeRecords.WithLabelValues(AxisMetadata, "SYNCED")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.storeRecords.WithLabelValues(AxisRecording, "FAILED")), 0)

	// A later snapshot replaces the gauges.
	m.UpdateStatusCounts(&datastore.StatusCounts{
		Metadata: map[syncstatus.MetadataStatus]int64{syncstatus.MetadataSynced: 14},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(m.storeRecords))
}

func TestSyncMetricsDoubleRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	_, err = NewSyncMetrics(registry)
	require.Error(t, err)
}
