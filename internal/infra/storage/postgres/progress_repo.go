package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
)

var _ storage.ProgressRepository = (*ProgressRepo)(nil)

const progressColumns = `deployment_id, block_number, block_hash, health, updated_at`

type progressRow struct {
	DeploymentID string         `db:"deployment_id"`
	BlockNumber  sql.NullInt64  `db:"block_number"`
	BlockHash    sql.NullString `db:"block_hash"`
	Health       string         `db:"health"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r progressRow) record() *domain.ProgressRecord {
	rec := &domain.ProgressRecord{
		DeploymentID: r.DeploymentID,
		Health:       domain.ParseHealth(r.Health),
		UpdatedAt:    r.UpdatedAt,
	}
	if r.BlockNumber.Valid && r.BlockHash.Valid {
		rec.Ptr = &domain.BlockPtr{
			Number: uint64(r.BlockNumber.Int64),
			Hash:   common.HexToHash(r.BlockHash.String),
		}
	}
	return rec
}

func ptrColumns(ptr *domain.BlockPtr) (sql.NullInt64, sql.NullString) {
	if ptr == nil {
		return sql.NullInt64{}, sql.NullString{}
	}
	return sql.NullInt64{Int64: int64(ptr.Number), Valid: true},
		sql.NullString{String: ptr.Hash.Hex(), Valid: true}
}

// ProgressRepo implements storage.ProgressRepository using PostgreSQL.
type ProgressRepo struct {
	db *DB
}

// NewProgressRepo creates a new PostgreSQL progress repository.
func NewProgressRepo(db *DB) *ProgressRepo {
	return &ProgressRepo{db: db}
}

// Create inserts an empty record unless one exists.
func (r *ProgressRepo) Create(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deployment_progress (deployment_id, health, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (deployment_id) DO NOTHING`,
		deploymentID, string(domain.HealthUnknown),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create progress record: %w", err)
	}
	return r.Get(ctx, deploymentID)
}

// Get retrieves a record by deployment id.
func (r *ProgressRepo) Get(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	var row progressRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+progressColumns+` FROM deployment_progress WHERE deployment_id = $1`,
		deploymentID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress record: %w", err)
	}
	return row.record(), nil
}

// CompareAndSwap locks the row, checks the stored pointer against prior and
// writes next in the same transaction.
func (r *ProgressRepo) CompareAndSwap(
	ctx context.Context,
	deploymentID string,
	prior, next *domain.BlockPtr,
	health domain.Health,
) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := lockRow(ctx, tx, deploymentID)
	if err != nil {
		return err
	}
	if !domain.PtrEqual(stored.record().Ptr, prior) {
		return domain.ErrConflict
	}

	number, hash := ptrColumns(next)
	_, err = tx.ExecContext(ctx,
		`UPDATE deployment_progress
		 SET block_number = $2, block_hash = $3, health = $4, updated_at = now()
		 WHERE deployment_id = $1`,
		deploymentID, number, hash, string(health),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress record: %w", err)
	}
	return nil
}

func lockRow(ctx context.Context, tx *sqlx.Tx, deploymentID string) (progressRow, error) {
	var row progressRow
	err := tx.GetContext(ctx, &row,
		`SELECT `+progressColumns+` FROM deployment_progress WHERE deployment_id = $1 FOR UPDATE`,
		deploymentID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return row, domain.ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("failed to lock progress record: %w", err)
	}
	return row, nil
}

// Delete removes a record.
func (r *ProgressRepo) Delete(ctx context.Context, deploymentID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM deployment_progress WHERE deployment_id = $1`, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to delete progress record: %w", err)
	}
	return nil
}

// List returns every record ordered by deployment id.
func (r *ProgressRepo) List(ctx context.Context) ([]*domain.ProgressRecord, error) {
	var rows []progressRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+progressColumns+` FROM deployment_progress ORDER BY deployment_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}
	out := make([]*domain.ProgressRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}
