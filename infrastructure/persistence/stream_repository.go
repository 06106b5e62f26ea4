package persistence

import (
	"context"
	"fmt"

	"chat-relay/domain/persistence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StreamRepository implements persistence.StreamRepository
type StreamRepository struct {
	db *gorm.DB
}

// NewStreamRepository creates a new stream repository
func NewStreamRepository(db *gorm.DB) persistence.StreamRepository {
	return &StreamRepository{db: db}
}

// Create creates a new stream record. Stream ids are reusable once a stream
// has finished, so a clash on stream_id overwrites the previous outcome.
func (r *StreamRepository) Create(ctx context.Context, entity *persistence.StreamRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"model", "status", "input_tokens", "output_tokens", "cache_read_tokens", "cache_write_tokens", "latency_ms", "error", "updated_at"}),
		}).
		Create(entity).Error
	if err != nil {
		return fmt.Errorf("failed to create stream record: %w", err)
	}
	return nil
}

// Update updates an existing stream record
func (r *StreamRepository) Update(ctx context.Context, entity *persistence.StreamRecord) error {
	if err := r.db.WithContext(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update stream record: %w", err)
	}
	return nil
}

// FindByStreamID finds a stream record by its caller-chosen stream id
func (r *StreamRepository) FindByStreamID(ctx context.Context, streamID string) (*persistence.StreamRecord, error) {
	var record persistence.StreamRecord
	if err := r.db.WithContext(ctx).First(&record, "stream_id = ?", streamID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("stream record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find stream record: %w", err)
	}
	return &record, nil
}

// Aggregate summarizes token accounting over the most recent streams.
// A limit <= 0 aggregates over everything.
func (r *StreamRepository) Aggregate(ctx context.Context, limit int) (*persistence.AggregatedUsage, error) {
	db := r.db.WithContext(ctx)

	sub := db.Model(&persistence.StreamRecord{}).Order("created_at DESC")
	if limit > 0 {
		sub = sub.Limit(limit)
	}

	var agg persistence.AggregatedUsage
	err := db.Table("(?) as recent", sub).
		Select(`COUNT(*) as total_streams,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed_streams,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed_streams,
			COALESCE(SUM(input_tokens), 0) as total_input_tokens,
			COALESCE(SUM(output_tokens), 0) as total_output_tokens,
			COALESCE(SUM(cache_read_tokens), 0) as total_cache_read_tokens,
			COALESCE(SUM(cache_write_tokens), 0) as total_cache_write_tokens,
			COALESCE(AVG(latency_ms), 0) as avg_latency_ms`).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stream usage: %w", err)
	}

	return &agg, nil
}
