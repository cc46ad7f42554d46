package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/bootfleet/internal/events"
	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// maxClaimRounds bounds how many contended concurrency keys one ClaimNext call
// steps over before giving up until the next poll.
const maxClaimRounds = 8

// Candidate selection. Keys already found saturated or locked in this call are
// excluded through $1. Rows other claimants hold are skipped, never waited on.
const claimCandidateSQL = `
SELECT j.id, j.concurrency_key, j.concurrency_limit
FROM jobs j
WHERE j.status = 'queued'
  AND j.next_run_at <= NOW()
  AND (j.concurrency_key IS NULL OR NOT (j.concurrency_key = ANY($1::text[])))
  AND (j.concurrency_key IS NULL OR j.concurrency_limit IS NULL OR
       (SELECT COUNT(*) FROM jobs r
        WHERE r.status = 'running' AND r.concurrency_key = j.concurrency_key) < j.concurrency_limit)
ORDER BY j.priority DESC, j.created_at ASC
LIMIT 1
FOR UPDATE OF j SKIP LOCKED`

// ClaimNext atomically takes the next eligible queued job and marks it running.
// It returns (nil, nil) when nothing is claimable right now.
//
// For keyed jobs the running count is re-checked under a transaction-scoped
// advisory lock on the key, so two claimants can never both admit the last slot.
func (s *PostgresStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	skip := []string{}
	for range maxClaimRounds {
		job, contended, err := s.claimOnce(ctx, skip)
		if err != nil {
			return nil, err
		}
		if job != nil {
			s.publishJob(ctx, job.ID, events.JobStarted)
			return job, nil
		}
		if contended == "" {
			return nil, nil
		}
		skip = append(skip, contended)
	}
	return nil, nil
}

// claimOnce runs one claim transaction. When the picked candidate's key turns out
// to be busy it rolls back and reports the key so the caller can look past it.
func (s *PostgresStore) claimOnce(ctx context.Context, skip []string) (*models.Job, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		id    uuid.UUID
		key   *string
		limit *int
	)
	err = tx.QueryRow(ctx, claimCandidateSQL, skip).Scan(&id, &key, &limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("select claim candidate: %w", err)
	}

	if key != nil && limit != nil {
		var locked bool
		if err := tx.QueryRow(ctx,
			`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, *key,
		).Scan(&locked); err != nil {
			return nil, "", fmt.Errorf("lock concurrency key: %w", err)
		}
		if !locked {
			return nil, *key, nil
		}

		var running int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE status = 'running' AND concurrency_key = $1`, *key,
		).Scan(&running); err != nil {
			return nil, "", fmt.Errorf("count running for key: %w", err)
		}
		if running >= *limit {
			return nil, *key, nil
		}
	}

	job, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1,
		   started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		 WHERE id = $1 RETURNING `+jobColumns, id))
	if err != nil {
		return nil, "", fmt.Errorf("mark job running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit claim: %w", err)
	}
	return job, "", nil
}
