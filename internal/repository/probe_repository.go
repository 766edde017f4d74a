package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

const saveBatchSize = 100

// ProbeRepository 探测历史仓储
type ProbeRepository struct {
	db *gorm.DB
}

// NewProbeRepository 创建探测历史仓储
func NewProbeRepository(db *gorm.DB) *ProbeRepository {
	return &ProbeRepository{db: db}
}

// SaveBatch 写入一轮对账的探测记录
func (r *ProbeRepository) SaveBatch(ctx context.Context, records []*model.ProbeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(records, saveBatchSize).Error
}

// ListRecent 查询端点最近的探测记录，按检查时间倒序
func (r *ProbeRepository) ListRecent(ctx context.Context, kind model.Kind, name string, limit int) ([]*model.ProbeRecord, error) {
	var records []*model.ProbeRecord
	err := r.db.WithContext(ctx).
		Where("kind = ? AND name = ?", string(kind), name).
		Order("checked_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListByPass 查询某一轮对账的全部记录
func (r *ProbeRepository) ListByPass(ctx context.Context, passID string) ([]*model.ProbeRecord, error) {
	var records []*model.ProbeRecord
	err := r.db.WithContext(ctx).
		Where("pass_id = ?", passID).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteBefore 删除检查时间早于 before (毫秒) 的记录，返回删除行数
func (r *ProbeRepository) DeleteBefore(ctx context.Context, before int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("checked_at < ?", before).
		Delete(&model.ProbeRecord{})
	return result.RowsAffected, result.Error
}
