package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/essay-pipeline/internal/common"
)

// PostgresStore keeps job snapshots in the essay_jobs table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPool creates a pgx pool from cfg and verifies it with a ping.
func OpenPool(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, common.NewConfigurationError("postgres DSN is required", nil)
	}
	logger.Info("jobs.db.connect")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("jobs.db.connect_failed", "error", err)
		return nil, common.NewConfigurationError("invalid postgres DSN", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "essay-pipeline"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("jobs.db.connect_failed", "error", err)
		return nil, err
	}
	if err := HealthCheck(dialCtx, pool, 0, logger); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("jobs.db.connected")
	return pool, nil
}

// HealthCheck pings the pool, bounded by timeout when positive.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("jobs.db.ping_failed", "error", err)
		return common.NewTransportError("postgres ping failed", err)
	}
	logger.Debug("jobs.db.ping_ok")
	return nil
}

func OpenPostgresStore(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := OpenPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS essay_jobs (
				id         TEXT PRIMARY KEY,
				kind       TEXT NOT NULL,
				state      TEXT NOT NULL,
				payload    JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		`CREATE INDEX IF NOT EXISTS essay_jobs_created_at ON essay_jobs (created_at DESC)`,
	}
	for _, q := range statements {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create essay_jobs table: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	const query = `
		INSERT INTO essay_jobs (id, kind, state, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    payload = EXCLUDED.payload,
		    updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, job.ID, job.Kind, string(job.State), payload, job.CreatedAt); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM essay_jobs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, common.NewNotFoundError("job " + id + " not found")
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT payload FROM essay_jobs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var j Job
		if err := json.Unmarshal(payload, &j); err != nil {
			s.logger.Warn("jobs.store.decode_error", "error", err)
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return HealthCheck(ctx, s.pool, 0, s.logger)
}

func (s *PostgresStore) Close() error {
	s.logger.Info("jobs.db.close")
	s.pool.Close()
	return nil
}
