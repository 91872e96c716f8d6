package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/storage"
)

// OpenJob appends a Pending ledger row.
func (s *Store) OpenJob(ctx context.Context, j model.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_jobs (id, agent, user_id, provider_id, model_id, status, client_ip, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Agent, j.UserID, j.ProviderID.String(), j.ModelID.String(),
		string(model.JobPending), j.ClientIP, j.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("litestore: insert job: %w", err)
	}
	return nil
}

// CompleteJob finalizes a Pending job as Completed.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error {
	return s.finalizeJob(ctx, id, model.JobCompleted, out)
}

// FailJob finalizes a Pending job as Error.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, out model.JobOutcome) error {
	return s.finalizeJob(ctx, id, model.JobError, out)
}

func (s *Store) finalizeJob(ctx context.Context, id uuid.UUID, status model.JobStatus, out model.JobOutcome) error {
	var errMsg *string
	if out.ErrorMessage != "" {
		errMsg = &out.ErrorMessage
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_jobs
		 SET status = ?, input_tokens = ?, output_tokens = ?, cost = ?, duration_ms = ?, error_message = ?
		 WHERE id = ? AND status = 'Pending'`,
		string(status), out.InputTokens, out.OutputTokens, out.Cost, out.DurationMS, errMsg, id.String(),
	)
	if err != nil {
		return fmt.Errorf("litestore: finalize job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ai_jobs WHERE id = ?)`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("litestore: finalize job %s: %w", id, err)
	}
	if exists {
		return fmt.Errorf("litestore: job %s: %w", id, storage.ErrJobFinalized)
	}
	return fmt.Errorf("litestore: job %s: %w", id, storage.ErrNotFound)
}

const jobSelect = `SELECT j.id, j.agent, j.user_id, j.provider_id, j.model_id, p.provider_type, m.model_id,
	j.status, j.client_ip, j.input_tokens, j.output_tokens, j.cost, j.created_at, j.duration_ms, j.error_message
	FROM ai_jobs j
	JOIN ai_providers p ON p.id = j.provider_id
	JOIN ai_models m ON m.id = j.model_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		j                        model.Job
		id, providerID, modelID  string
		status, created          string
		userID, clientIP, errMsg sql.NullString
		inTok, outTok, duration  sql.NullInt64
		cost                     sql.NullFloat64
	)
	if err := row.Scan(&id, &j.Agent, &userID, &providerID, &modelID, &j.ProviderType, &j.ModelName,
		&status, &clientIP, &inTok, &outTok, &cost, &created, &duration, &errMsg); err != nil {
		return model.Job{}, err
	}
	j.ID, j.ProviderID, j.ModelID = uuid.MustParse(id), uuid.MustParse(providerID), uuid.MustParse(modelID)
	j.Status = model.JobStatus(status)
	j.CreatedAt = parseTime(created)
	j.UserID, j.ClientIP, j.ErrorMessage = nullString(userID), nullString(clientIP), nullString(errMsg)
	j.Cost = nullFloat(cost)
	if inTok.Valid {
		v := int(inTok.Int64)
		j.InputTokens = &v
	}
	if outTok.Valid {
		v := int(outTok.Int64)
		j.OutputTokens = &v
	}
	if duration.Valid {
		j.DurationMS = &duration.Int64
	}
	return j, nil
}

// GetJob returns a single ledger row.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE j.id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("litestore: job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("litestore: get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns ledger rows matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f model.JobFilter) ([]model.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Agent != "" {
		where, args = append(where, "j.agent = ?"), append(args, f.Agent)
	}
	if f.Status != "" {
		where, args = append(where, "j.status = ?"), append(args, string(f.Status))
	}
	if f.Since != nil {
		where, args = append(where, "j.created_at >= ?"), append(args, f.Since.UTC().Format(timeLayout))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := jobSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY j.created_at DESC, j.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("litestore: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("litestore: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CostSummary aggregates the ledger per agent, provider type and model.
func (s *Store) CostSummary(ctx context.Context, since *time.Time) ([]model.CostSummary, error) {
	var sinceArg any
	if since != nil {
		sinceArg = since.UTC().Format(timeLayout)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.agent, p.provider_type, m.model_id,
		        COUNT(*),
		        SUM(CASE WHEN j.status = 'Error' THEN 1 ELSE 0 END),
		        COALESCE(SUM(j.input_tokens), 0),
		        COALESCE(SUM(j.output_tokens), 0),
		        COALESCE(SUM(j.cost), 0.0)
		 FROM ai_jobs j
		 JOIN ai_providers p ON p.id = j.provider_id
		 JOIN ai_models m ON m.id = j.model_id
		 WHERE ?1 IS NULL OR j.created_at >= ?1
		 GROUP BY j.agent, p.provider_type, m.model_id
		 ORDER BY j.agent, p.provider_type, m.model_id`, sinceArg)
	if err != nil {
		return nil, fmt.Errorf("litestore: cost summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CostSummary
	for rows.Next() {
		var c model.CostSummary
		if err := rows.Scan(&c.Agent, &c.ProviderType, &c.Model, &c.Calls, &c.Errors, &c.InputTokens, &c.OutputTokens, &c.Cost); err != nil {
			return nil, fmt.Errorf("litestore: scan cost summary: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
