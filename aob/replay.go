package aob

import (
	"context"
	"fmt"
)

// Replay reconstructs the run's state by folding its full event log through
// the reducer, ignoring snapshots. Because the reducer is the only
// transition function, the result is identical to what the live driver saw
// at the same sequence number.
func (e *Engine) Replay(ctx context.Context, correlationID string) (RunState, error) {
	events, err := e.store.Load(ctx, correlationID, 0)
	if err != nil {
		return RunState{}, fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) == 0 {
		return RunState{}, fmt.Errorf("%w: %s", ErrUnknownRun, correlationID)
	}
	specID, _ := events[0].Payload["spec_id"].(string)
	g, err := e.Graph(specID)
	if err != nil {
		return RunState{}, err
	}
	return Reduce(g, NewRunState(), events), nil
}

// ReplayFrom reconstructs the run's state from a specific snapshot plus the
// event tail beyond it. Replaying a terminated run from any of its snapshots
// must land on the same final state as Replay; that equivalence is what
// makes snapshots safe to take and safe to lose.
func (e *Engine) ReplayFrom(ctx context.Context, correlationID, snapshotID string) (RunState, error) {
	snap, err := e.store.ReadSnapshotByID(ctx, correlationID, snapshotID)
	if err != nil {
		return RunState{}, fmt.Errorf("failed to read snapshot %s: %w", snapshotID, err)
	}
	st, err := UnmarshalRunState(snap.State)
	if err != nil {
		return RunState{}, err
	}
	g, err := e.Graph(st.SpecID)
	if err != nil {
		return RunState{}, err
	}
	events, err := e.store.Load(ctx, correlationID, snap.UpToSeq)
	if err != nil {
		return RunState{}, fmt.Errorf("failed to load events: %w", err)
	}
	return Reduce(g, st, events), nil
}
