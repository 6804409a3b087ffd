package dispatch

import (
	"context"
	"time"

	"commdispatch/internal/comm"
	"commdispatch/internal/storage"
	logx "commdispatch/pkg/logx"
)

// Reaper recycles leases left behind by crashed or hung workers.
type Reaper struct {
	store storage.Recipients
	log   logx.Logger
}

func NewReaper(store storage.Recipients, log logx.Logger) *Reaper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reaper{store: store, log: log}
}

// Reap fails rows whose first attempt is older than the hard window and puts
// sending rows with an expired lease back to pending. The first attempt time
// is never reset, so the hard window keeps counting across reclaims.
func (r *Reaper) Reap(ctx context.Context, communicationID int64, cfg Config, now time.Time) (storage.ReapResult, error) {
	res, err := r.store.ReapStaleLeases(ctx, storage.ReapParams{
		CommunicationID: communicationID,
		HardCutoff:      now.Add(-cfg.HardFailureWindow),
		StaleBefore:     now.Add(-cfg.LeaseExpiry),
		Now:             now,
		Note:            comm.NoteLeaseExhausted,
	})
	if err != nil {
		return res, err
	}
	if res.Failed > 0 || res.Reverted > 0 {
		r.log.Info("reaped stale leases",
			logx.Int64("communication", communicationID),
			logx.Int64("failed", res.Failed),
			logx.Int64("reverted", res.Reverted))
	}
	return res, nil
}
