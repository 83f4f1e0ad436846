package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
)

var ErrRunNotFound = errors.New("run not found")

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) CreateIngestion(ctx context.Context, run *models.IngestionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// SaveIngestion writes every column of the run, zero values included.
func (r *RunRepository) SaveIngestion(ctx context.Context, run *models.IngestionRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *RunRepository) GetIngestion(ctx context.Context, id uuid.UUID) (*models.IngestionRun, error) {
	var run models.IngestionRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) ListIngestions(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	var runs []models.IngestionRun
	err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func (r *RunRepository) CreateReconciliation(ctx context.Context, run *models.ReconciliationRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) SaveReconciliation(ctx context.Context, run *models.ReconciliationRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *RunRepository) GetReconciliation(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
