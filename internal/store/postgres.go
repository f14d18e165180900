package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/shared/postgresql"
)

// Postgres implements DurableStore on top of PostgreSQL. Hyperparameters
// and estimates are stored as JSONB documents.
type Postgres struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgres wraps an established PostgreSQL client. requestTimeout
// bounds every statement; a timeout is reported as store unavailability.
func NewPostgres(pg *postgresql.Client, requestTimeout time.Duration) *Postgres {
	if requestTimeout <= 0 {
		requestTimeout = 3 * time.Second
	}
	return &Postgres{
		db:      pg.GetDB(),
		timeout: requestTimeout,
	}
}

func (s *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Postgres) InsertJob(ctx context.Context, job *domain.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	estimate, err := json.Marshal(job.Estimate)
	if err != nil {
		return fmt.Errorf("failed to marshal estimate: %w", err)
	}

	query := `
		INSERT INTO jobs (
			job_id, client_code, model_name, params,
			dataset_ref_kind, dataset_ref_value, dataset_size_bytes,
			estimate, state, execution_id, error_detail,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13
		)
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.ClientCode,
		job.ModelName,
		params,
		job.DatasetRef.Kind,
		job.DatasetRef.Value,
		job.DatasetSizeBytes,
		estimate,
		job.State,
		job.ExecutionID,
		job.ErrorDetail,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		if isDuplicate(err) {
			return domain.ErrDuplicateJob
		}
		return classify("failed to insert job", err)
	}

	return nil
}

// UpdateJob applies a mutation under the last-write-wins rule. Stale
// mutations and mutations against terminal records affect zero rows and
// are dropped without error.
func (s *Postgres) UpdateJob(ctx context.Context, jobID string, mut JobMutation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE jobs
		SET state = $1,
			execution_id = CASE WHEN $2 != '' THEN $2 ELSE execution_id END,
			error_detail = CASE WHEN $3 != '' THEN $3 ELSE error_detail END,
			updated_at = $4
		WHERE job_id = $5
		  AND updated_at < $4
		  AND state NOT IN ($6, $7)
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		mut.State,
		mut.ExecutionID,
		mut.ErrorDetail,
		mut.UpdatedAt,
		jobID,
		domain.JobStateSucceeded,
		domain.JobStateFailed,
	)
	if err != nil {
		return classify("failed to update job", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)", jobID); err != nil {
			return classify("failed to check job existence", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		// Stale or terminal record: last write wins, drop silently.
	}

	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowxContext(ctx, jobSelect+" WHERE job_id = $1", jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("failed to get job", err)
	}

	return job, nil
}

func (s *Postgres) ListJobsByClient(ctx context.Context, clientCode string) ([]domain.Job, error) {
	return s.listJobs(ctx, " WHERE client_code = $1 ORDER BY created_at DESC", clientCode)
}

func (s *Postgres) ListJobsByState(ctx context.Context, state domain.JobState) ([]domain.Job, error) {
	return s.listJobs(ctx, " WHERE state = $1 ORDER BY created_at DESC", string(state))
}

func (s *Postgres) listJobs(ctx context.Context, clause string, arg any) ([]domain.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, jobSelect+clause, arg)
	if err != nil {
		return nil, classify("failed to list jobs", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("failed to list jobs", err)
	}

	return jobs, nil
}

func (s *Postgres) UpsertRoute(ctx context.Context, entry *domain.RoutingEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// A later deploy supersedes the previous entry for the same key.
	query := `
		INSERT INTO model_routes (client_code, model_name, endpoint, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_code, model_name)
		DO UPDATE SET endpoint = EXCLUDED.endpoint,
			kind = EXCLUDED.kind,
			created_at = EXCLUDED.created_at
	`

	_, err := s.db.ExecContext(ctx, query, entry.ClientCode, entry.ModelName, entry.Endpoint, entry.Kind, entry.CreatedAt)
	if err != nil {
		return classify("failed to upsert route", err)
	}

	return nil
}

func (s *Postgres) GetRoute(ctx context.Context, clientCode, modelName string) (*domain.RoutingEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var entry domain.RoutingEntry
	query := `
		SELECT client_code, model_name, endpoint, kind, created_at
		FROM model_routes
		WHERE client_code = $1 AND model_name = $2
	`

	err := s.db.GetContext(ctx, &entry, query, clientCode, modelName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("failed to get route", err)
	}

	return &entry, nil
}

func (s *Postgres) GetClientConfig(ctx context.Context, clientCode string) (*domain.ClientConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row struct {
		ClientCode        string `db:"client_code"`
		MaxConcurrentJobs int    `db:"max_concurrent_jobs"`
		DefaultModel      string `db:"default_model"`
		Attrs             []byte `db:"attrs"`
	}

	query := `
		SELECT client_code, max_concurrent_jobs, default_model, attrs
		FROM client_configs
		WHERE client_code = $1
	`

	err := s.db.GetContext(ctx, &row, query, clientCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("failed to get client config", err)
	}

	cfg := &domain.ClientConfig{
		ClientCode:        row.ClientCode,
		MaxConcurrentJobs: row.MaxConcurrentJobs,
		DefaultModel:      row.DefaultModel,
	}
	if len(row.Attrs) > 0 {
		if err := json.Unmarshal(row.Attrs, &cfg.Attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client config attrs: %w", err)
		}
	}

	return cfg, nil
}

func (s *Postgres) InsertDataset(ctx context.Context, ds *domain.Dataset) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO datasets (dataset_id, client_code, filename, local_path, object_key, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query, ds.DatasetID, ds.ClientCode, ds.Filename, ds.LocalPath, ds.ObjectKey, ds.SizeBytes, ds.CreatedAt)
	if err != nil {
		return classify("failed to insert dataset", err)
	}

	return nil
}

// FindDataset matches the identifier against the id, filename, object key,
// or local path of the client's registered datasets.
func (s *Postgres) FindDataset(ctx context.Context, clientCode, identifier string) (*domain.Dataset, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ds domain.Dataset
	query := `
		SELECT dataset_id, client_code, filename, local_path, object_key, size_bytes, created_at
		FROM datasets
		WHERE client_code = $1
		  AND (dataset_id = $2 OR filename = $2 OR object_key = $2 OR local_path = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := s.db.GetContext(ctx, &ds, query, clientCode, identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, classify("failed to find dataset", err)
	}

	return &ds, nil
}

const jobSelect = `
	SELECT job_id, client_code, model_name, params,
		dataset_ref_kind, dataset_ref_value, dataset_size_bytes,
		estimate, state, execution_id, error_detail,
		created_at, updated_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job      domain.Job
		params   []byte
		estimate []byte
	)

	err := row.Scan(
		&job.JobID,
		&job.ClientCode,
		&job.ModelName,
		&params,
		&job.DatasetRef.Kind,
		&job.DatasetRef.Value,
		&job.DatasetSizeBytes,
		&estimate,
		&job.State,
		&job.ExecutionID,
		&job.ErrorDetail,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(params, &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if err := json.Unmarshal(estimate, &job.Estimate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal estimate: %w", err)
	}

	return &job, nil
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// classify wraps transport-level failures as ErrStoreUnavailable so the
// JobStore can take the fallback path; everything else stays a plain error.
func classify(msg string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", msg, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Class 08: connection exceptions; class 57: operator intervention
	// (shutdown). Both mean the store is gone, not that the query is bad.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}

	return false
}
