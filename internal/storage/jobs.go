package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/perculacms/pagecontext/internal/model"
)

// OpenJob appends a Pending ledger row. Each AI call writes its own row, so
// concurrent callers never contend.
func (db *DB) OpenJob(ctx context.Context, j model.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	err := ledgerRetry.do(ctx, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO ai_jobs (id, agent, user_id, provider_id, model_id, status, client_ip, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			j.ID, j.Agent, j.UserID, j.ProviderID, j.ModelID, string(model.JobPending), j.ClientIP, j.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert job: %w", err)
	}
	return nil
}

// CompleteJob finalizes a Pending job as Completed.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error {
	return db.finalizeJob(ctx, id, model.JobCompleted, out)
}

// FailJob finalizes a Pending job as Error.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error {
	return db.finalizeJob(ctx, id, model.JobError, out)
}

// finalizeJob moves a job out of Pending. The status predicate makes the
// transition happen at most once.
func (db *DB) finalizeJob(ctx context.Context, id uuid.UUID, status model.JobStatus, out model.JobOutcome) error {
	var errMsg *string
	if out.ErrorMessage != "" {
		errMsg = &out.ErrorMessage
	}
	return ledgerRetry.do(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE ai_jobs
			 SET status = $2, input_tokens = $3, output_tokens = $4, cost = $5,
			     duration_ms = $6, error_message = $7
			 WHERE id = $1 AND status = 'Pending'`,
			id, string(status), out.InputTokens, out.OutputTokens, out.Cost, out.DurationMS, errMsg,
		)
		if err != nil {
			return fmt.Errorf("storage: finalize job %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var exists bool
		if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ai_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("storage: finalize job %s: %w", id, err)
		}
		if exists {
			return fmt.Errorf("storage: job %s: %w", id, ErrJobFinalized)
		}
		return fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
	})
}

const jobColumns = `j.id, j.agent, j.user_id, j.provider_id, j.model_id, p.provider_type, m.model_id,
	j.status, j.client_ip, j.input_tokens, j.output_tokens, j.cost, j.created_at, j.duration_ms, j.error_message`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	var status string
	err := row.Scan(&j.ID, &j.Agent, &j.UserID, &j.ProviderID, &j.ModelID, &j.ProviderType, &j.ModelName,
		&status, &j.ClientIP, &j.InputTokens, &j.OutputTokens, &j.Cost, &j.CreatedAt, &j.DurationMS, &j.ErrorMessage)
	j.Status = model.JobStatus(status)
	return j, err
}

// GetJob returns a single ledger row.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM ai_jobs j
		 JOIN ai_providers p ON p.id = j.provider_id
		 JOIN ai_models m ON m.id = j.model_id
		 WHERE j.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns ledger rows matching f, newest first.
func (db *DB) ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Agent != "" {
		args = append(args, f.Agent)
		where = append(where, fmt.Sprintf("j.agent = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("j.status = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("j.created_at >= $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	q := `SELECT ` + jobColumns + `
		 FROM ai_jobs j
		 JOIN ai_providers p ON p.id = j.provider_id
		 JOIN ai_models m ON m.id = j.model_id`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY j.created_at DESC, j.id DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CostSummary aggregates the ledger per agent, provider type and model since
// the given time (all time when nil).
func (db *DB) CostSummary(ctx context.Context, since *time.Time) ([]model.CostSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT j.agent, p.provider_type, m.model_id,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE j.status = 'Error'),
		        COALESCE(SUM(j.input_tokens), 0)::bigint,
		        COALESCE(SUM(j.output_tokens), 0)::bigint,
		        COALESCE(SUM(j.cost), 0)::float8
		 FROM ai_jobs j
		 JOIN ai_providers p ON p.id = j.provider_id
		 JOIN ai_models m ON m.id = j.model_id
		 WHERE $1::timestamptz IS NULL OR j.created_at >= $1
		 GROUP BY j.agent, p.provider_type, m.model_id
		 ORDER BY j.agent, p.provider_type, m.model_id`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cost summary: %w", err)
	}
	defer rows.Close()

	var out []model.CostSummary
	for rows.Next() {
		var s model.CostSummary
		if err := rows.Scan(&s.Agent, &s.ProviderType, &s.Model, &s.Calls, &s.Errors, &s.InputTokens, &s.OutputTokens, &s.Cost); err != nil {
			return nil, fmt.Errorf("storage: scan cost summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
