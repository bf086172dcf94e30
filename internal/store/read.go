package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ReadRun returns the run with the given ID.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, policy_hash, platform, started_seq, finished_seq, outcome
		FROM runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ReadRuns returns every run ordered by start.
//
// Returns an empty slice (not nil) if the log is empty.
func (s *Store) ReadRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy_hash, platform, started_seq, finished_seq, outcome
		FROM runs
		ORDER BY started_seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRequests returns the requests of a run in seq order.
//
// Returns an empty slice (not nil) if the run has no requests.
func (s *Store) ReadRequests(ctx context.Context, runID string) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, identity, op, slot, outcome, code, reason, artifact_digest
		FROM requests
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	requests := []Request{}
	for rows.Next() {
		var (
			req  Request
			slot sql.NullInt64
		)
		if err := rows.Scan(
			&req.Seq,
			&req.RunID,
			&req.Identity,
			&req.Op,
			&slot,
			&req.Outcome,
			&req.Code,
			&req.Reason,
			&req.ArtifactDigest,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if slot.Valid {
			n := int(slot.Int64)
			req.Slot = &n
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return requests, nil
}

// LatestSeq returns the highest seq recorded in the log, or 0 for an
// empty log. A recorder resumes its clock from here.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM requests), 0),
			COALESCE((SELECT MAX(COALESCE(finished_seq, started_seq)) FROM runs), 0)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run      Run
		finished sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.PolicyHash, &run.Platform, &run.StartedSeq, &finished, &run.Outcome); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if finished.Valid {
		run.FinishedSeq = &finished.Int64
	}
	return run, nil
}
