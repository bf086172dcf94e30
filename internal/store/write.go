package store

import (
	"context"
	"database/sql"
	"fmt"
)

// WriteRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, policy_hash, platform, started_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.PolicyHash,
		run.Platform,
		run.StartedSeq,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// FinishRun records the end of a run. Only the first call for a run
// takes effect.
func (s *Store) FinishRun(ctx context.Context, runID string, finishedSeq int64, outcome string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_seq = ?, outcome = ?
		WHERE id = ? AND finished_seq IS NULL
	`, finishedSeq, outcome, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := s.ReadRun(ctx, runID); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
	}
	return nil
}

// WriteRequest inserts a request record.
// Uses ON CONFLICT(run_id, seq) DO NOTHING for idempotency.
//
// Note: The run referenced by RunID must exist (foreign key constraint).
func (s *Store) WriteRequest(ctx context.Context, req Request) error {
	var slot sql.NullInt64
	if req.Slot != nil {
		slot = sql.NullInt64{Int64: int64(*req.Slot), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
		(seq, run_id, identity, op, slot, outcome, code, reason, artifact_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`,
		req.Seq,
		req.RunID,
		req.Identity,
		req.Op,
		slot,
		req.Outcome,
		req.Code,
		req.Reason,
		req.ArtifactDigest,
	)
	if err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}
