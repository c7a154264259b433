package aob

import (
	"context"
	"fmt"
	"time"

	"github.com/aobuild/aob-go/aob/event"
)

// snapshotNow persists the driver's current state and records
// snapshot.created, returning the new snapshot's id.
//
// A terminated run never replays past its terminal event, and the
// snapshot.created append would break terminality anyway, so it is refused.
func (d *driver) snapshotNow(ctx context.Context) (string, error) {
	if d.state.Terminated {
		return "", ErrTerminated
	}
	raw, err := d.state.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal run state: %w", err)
	}
	snap := event.Snapshot{
		ID:            event.NewSnapshotID(),
		CorrelationID: d.cid,
		UpToSeq:       d.state.Seq,
		State:         raw,
		CreatedAt:     time.Now().UTC(),
	}
	if err := d.e.store.WriteSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	created := event.New(d.cid, event.SnapshotCreated, map[string]any{
		"snapshot_id":    snap.ID,
		"up_to_sequence": snap.UpToSeq,
	}, idemKey(d.cid, "", "snapshot:"+snap.ID, 0))
	if err := d.appendOne(ctx, created); err != nil {
		return "", fmt.Errorf("failed to record snapshot: %w", err)
	}
	d.e.metrics.snapshotCount.Inc()
	return snap.ID, nil
}

// writeSnapshot is the cadence-driven variant: snapshots are an optimization
// over the event log, so failure here is logged and absorbed. The run
// continues and the next cadence boundary tries again.
func (d *driver) writeSnapshot(ctx context.Context) {
	if d.state.Terminated {
		return
	}
	if _, err := d.snapshotNow(ctx); err != nil {
		d.e.logger.Warn().Err(err).Str("correlation_id", d.cid).Msg("snapshot failed")
	}
}
