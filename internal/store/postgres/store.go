// Package postgres persists automations, executions and ingested assets in
// PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/store"
)

//go:embed schema.sql
var schema string

const (
	pgForeignKeyViolation = "23503"
)

// Store implements the runner, cascade, sourcesync, reconciler and api
// storage contracts using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureAutomation inserts the record if missing. An existing record keeps
// its status, endpoint and metadata; only the display name is refreshed.
func (s *Store) EnsureAutomation(ctx context.Context, rec domain.AutomationRecord) error {
	status := rec.Status
	if status == "" {
		status = domain.SeverityOperational
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, queryEnsureAutomation,
		rec.Code,
		rec.Name,
		string(status),
		rec.EndpointURL,
		createdAt,
	)
	return err
}

// GetAutomation returns store.ErrNotFound for an unknown code.
func (s *Store) GetAutomation(ctx context.Context, code string) (domain.AutomationRecord, error) {
	rec, err := scanAutomation(s.db.QueryRowContext(ctx, queryGetAutomation, code))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AutomationRecord{}, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListAutomations(ctx context.Context) ([]domain.AutomationRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryListAutomations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AutomationRecord
	for rows.Next() {
		rec, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateAutomationStatus sets the health status, last run time and
// metadata.summary. Other metadata keys are preserved.
func (s *Store) UpdateAutomationStatus(ctx context.Context, code string, status domain.Severity, summary string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, queryUpdateAutomationStatus, code, string(status), at, summary)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InsertExecution inserts a running record and returns its id.
// Returns store.ErrNotFound if the automation does not exist.
func (s *Store) InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, queryInsertExecution,
		rec.AutomationCode,
		rec.RunID,
		rec.Source,
		string(rec.Status),
		rec.StartedAt,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

// FinishExecution finalizes a running record.
// Returns store.ErrAlreadyFinished if the record is already terminal.
// The guard lives in the WHERE clause so concurrent finalizers cannot both win.
func (s *Store) FinishExecution(ctx context.Context, id int64, status domain.ExecutionStatus, logs string, result map[string]any, at time.Time) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryFinishExecution, id, string(status), logs, resultJSON, at)
	if err != nil {
		return err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrAlreadyFinished
	}

	return nil
}

// ListExecutions returns the executions of one automation, newest first.
func (s *Store) ListExecutions(ctx context.Context, code string, limit, offset int) ([]domain.ExecutionRecord, error) {
	return s.queryExecutions(ctx, queryListExecutions, code, limit, offset)
}

// GetStaleExecutions returns running executions started before olderThan,
// oldest first and at most maxResults.
func (s *Store) GetStaleExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ExecutionRecord, error) {
	return s.queryExecutions(ctx, queryGetStaleExecutions, olderThan, maxResults)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var status string
		var finishedAt sql.NullTime
		var resultJSON []byte

		err := rows.Scan(
			&rec.ID,
			&rec.AutomationCode,
			&rec.RunID,
			&rec.Source,
			&status,
			&rec.StartedAt,
			&finishedAt,
			&rec.Logs,
			&resultJSON,
		)
		if err != nil {
			return nil, err
		}
		rec.Status = domain.ExecutionStatus(status)
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
				return nil, fmt.Errorf("decode result of execution %d: %w", rec.ID, err)
			}
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// GetAssetByExternalID returns store.ErrNotFound for an unknown id.
func (s *Store) GetAssetByExternalID(ctx context.Context, externalID string) (domain.SourceAsset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, queryGetAssetByExternalID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SourceAsset{}, store.ErrNotFound
	}
	return asset, err
}

// UpsertAsset inserts or updates the asset keyed by ExternalID and returns
// it with its id and creation time.
func (s *Store) UpsertAsset(ctx context.Context, asset domain.SourceAsset) (domain.SourceAsset, error) {
	now := asset.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, queryUpsertAsset,
		asset.ExternalID,
		asset.Group,
		asset.Period,
		asset.RemotePath,
		asset.LocalPath,
		asset.FileName,
		string(asset.Status),
		now,
	).Scan(&asset.ID, &asset.CreatedAt)
	if err != nil {
		return domain.SourceAsset{}, err
	}
	asset.UpdatedAt = now
	return asset, nil
}

// ListAssets returns assets, newest first.
func (s *Store) ListAssets(ctx context.Context, limit, offset int) ([]domain.SourceAsset, error) {
	rows, err := s.db.QueryContext(ctx, queryListAssets, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.SourceAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (domain.AutomationRecord, error) {
	var rec domain.AutomationRecord
	var status string
	var lastRunAt sql.NullTime
	var metadata []byte

	err := row.Scan(
		&rec.Code,
		&rec.Name,
		&status,
		&rec.EndpointURL,
		&lastRunAt,
		&metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.AutomationRecord{}, err
	}
	rec.Status = domain.ParseSeverity(status)
	if lastRunAt.Valid {
		t := lastRunAt.Time
		rec.LastRunAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return domain.AutomationRecord{}, fmt.Errorf("decode metadata of %q: %w", rec.Code, err)
		}
	}
	return rec, nil
}

func scanAsset(row rowScanner) (domain.SourceAsset, error) {
	var asset domain.SourceAsset
	var status string

	err := row.Scan(
		&asset.ID,
		&asset.ExternalID,
		&asset.Group,
		&asset.Period,
		&asset.RemotePath,
		&asset.LocalPath,
		&asset.FileName,
		&status,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		return domain.SourceAsset{}, err
	}
	asset.Status = domain.AssetStatus(status)
	return asset, nil
}

// marshalJSON encodes v for a JSONB parameter; nil maps become NULL.
func marshalJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
