package worker

import (
	"context"
	"time"

	"github.com/lifeline-sos/lifeline/internal/clock"
	"github.com/lifeline-sos/lifeline/internal/logger"
	"github.com/lifeline-sos/lifeline/internal/repository"
)

// retentionJob sweeps terminal emergencies past the retention window:
// location trails are compacted and the emergencies flagged as archived.
// Emergency rows themselves are never deleted.
type retentionJob struct {
	// store is swept.
	store repository.Store
	// clk supplies the current time.
	clk clock.Clock
	// window is how long terminal emergencies keep their trails.
	window time.Duration
}

func newRetentionJob(store repository.Store, clk clock.Clock, window time.Duration) *retentionJob {
	return &retentionJob{store: store, clk: clk, window: window}
}

// run performs one sweep.
func (j *retentionJob) run(ctx context.Context) {
	cutoff := j.clk.Now().Add(-j.window)

	compacted, err := j.store.CompactLocations(ctx, cutoff)
	if err != nil {
		logger.ErrorKV(ctx, "Location compaction failed", "error", err)
	}

	archived, err := j.store.ArchiveTerminalBefore(ctx, cutoff)
	if err != nil {
		logger.ErrorKV(ctx, "Archival sweep failed", "error", err)
	}

	if compacted > 0 || archived > 0 {
		logger.InfoKV(ctx, "Retention sweep finished",
			"points_compacted", compacted, "emergencies_archived", archived, "cutoff", cutoff)
	}
}
