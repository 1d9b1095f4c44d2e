// Package sqlite stores progress records in a local SQLite file through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
)

var _ storage.ProgressRepository = (*ProgressRepo)(nil)

// Config holds SQLite configuration.
type Config struct {
	Path string `yaml:"path"` // file path, or ":memory:"
}

// Progress is the persisted progress row.
type Progress struct {
	DeploymentID string  `gorm:"primaryKey"`
	BlockNumber  *uint64 // nil until the first block is applied
	BlockHash    *string
	Health       string `gorm:"not null;default:'unknown'"`
	UpdatedAt    time.Time
}

// TableName pins the table name used by the postgres store as well.
func (Progress) TableName() string {
	return "deployment_progress"
}

func (p *Progress) record() *domain.ProgressRecord {
	rec := &domain.ProgressRecord{
		DeploymentID: p.DeploymentID,
		Health:       domain.ParseHealth(p.Health),
		UpdatedAt:    p.UpdatedAt,
	}
	if p.BlockNumber != nil && p.BlockHash != nil {
		rec.Ptr = &domain.BlockPtr{Number: *p.BlockNumber, Hash: common.HexToHash(*p.BlockHash)}
	}
	return rec
}

// Open opens the database and migrates the progress table.
func Open(cfg Config) (*gorm.DB, error) {
	path := cfg.Path
	if path == "" {
		path = "blockindexer.db"
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection keeps ":memory:" to one database and serialises writers
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Progress{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return db, nil
}

// ProgressRepo implements storage.ProgressRepository using SQLite.
type ProgressRepo struct {
	db *gorm.DB
}

// NewProgressRepo creates a new SQLite progress repository.
func NewProgressRepo(db *gorm.DB) *ProgressRepo {
	return &ProgressRepo{db: db}
}

func (r *ProgressRepo) Create(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	row := &Progress{
		DeploymentID: deploymentID,
		Health:       string(domain.HealthUnknown),
		UpdatedAt:    time.Now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create progress record: %w", err)
	}
	return r.Get(ctx, deploymentID)
}

func (r *ProgressRepo) Get(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	var row Progress
	err := r.db.WithContext(ctx).Where("deployment_id = ?", deploymentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress record: %w", err)
	}
	return row.record(), nil
}

// CompareAndSwap updates the row only where the stored pointer equals prior.
// Zero affected rows is a conflict, or a missing record.
func (r *ProgressRepo) CompareAndSwap(
	ctx context.Context,
	deploymentID string,
	prior, next *domain.BlockPtr,
	health domain.Health,
) error {
	update := map[string]any{
		"block_number": nil,
		"block_hash":   nil,
		"health":       string(health),
		"updated_at":   time.Now(),
	}
	if next != nil {
		update["block_number"] = next.Number
		update["block_hash"] = next.Hash.Hex()
	}

	query := r.db.WithContext(ctx).Model(&Progress{}).Where("deployment_id = ?", deploymentID)
	if prior == nil {
		query = query.Where("block_number IS NULL")
	} else {
		query = query.Where("block_number = ? AND block_hash = ?", prior.Number, prior.Hash.Hex())
	}

	result := query.Updates(update)
	if result.Error != nil {
		return fmt.Errorf("failed to update progress record: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, deploymentID); err != nil {
		return err
	}
	return domain.ErrConflict
}

func (r *ProgressRepo) Delete(ctx context.Context, deploymentID string) error {
	err := r.db.WithContext(ctx).Where("deployment_id = ?", deploymentID).Delete(&Progress{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete progress record: %w", err)
	}
	return nil
}

func (r *ProgressRepo) List(ctx context.Context) ([]*domain.ProgressRecord, error) {
	var rows []Progress
	if err := r.db.WithContext(ctx).Order("deployment_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}
	out := make([]*domain.ProgressRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}
