package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StreamRecord stores the token accounting outcome of one relayed stream.
// Conversation content is deliberately not persisted.
type StreamRecord struct {
	ID               uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	StreamID         string       `gorm:"type:varchar(255);not null;uniqueIndex" json:"stream_id"`
	Model            string       `gorm:"type:varchar(255);not null;index" json:"model"`
	Status           StreamStatus `gorm:"type:varchar(50);not null;default:'pending';index" json:"status"`
	InputTokens      int          `gorm:"default:0" json:"input_tokens"`
	OutputTokens     int          `gorm:"default:0" json:"output_tokens"`
	CacheReadTokens  int          `gorm:"default:0" json:"cache_read_tokens"`
	CacheWriteTokens int          `gorm:"default:0" json:"cache_write_tokens"`
	LatencyMs        int64        `gorm:"default:0" json:"latency_ms"`
	Error            string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// StreamStatus represents the lifecycle state of a relayed stream.
type StreamStatus string

const (
	StreamStatusPending   StreamStatus = "pending"
	StreamStatusCompleted StreamStatus = "completed"
	StreamStatusFailed    StreamStatus = "failed"
)

// BeforeCreate hook for StreamRecord
func (r *StreamRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// TableName returns the table name for StreamRecord
func (StreamRecord) TableName() string {
	return "streams"
}

// AggregatedUsage summarizes token accounting across recent streams.
type AggregatedUsage struct {
	TotalStreams          int64   `json:"total_streams"`
	CompletedStreams      int64   `json:"completed_streams"`
	FailedStreams         int64   `json:"failed_streams"`
	TotalInputTokens      int64   `json:"total_input_tokens"`
	TotalOutputTokens     int64   `json:"total_output_tokens"`
	TotalCacheReadTokens  int64   `json:"total_cache_read_tokens"`
	TotalCacheWriteTokens int64   `json:"total_cache_write_tokens"`
	AvgLatencyMs          float64 `json:"avg_latency_ms"`
}

// OpenStreamEvent data for recording a newly started stream
type OpenStreamEvent struct {
	StreamID string `json:"stream_id"`
	Model    string `json:"model"`
}

// CompleteStreamEvent data for recording a stream's final tally
type CompleteStreamEvent struct {
	StreamID         string `json:"stream_id"`
	InputTokens      int    `json:"input_tokens"`
	OutputTokens     int    `json:"output_tokens"`
	CacheReadTokens  int    `json:"cache_read_tokens"`
	CacheWriteTokens int    `json:"cache_write_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
}

// FailStreamEvent data for recording a failed stream
type FailStreamEvent struct {
	StreamID  string `json:"stream_id"`
	Model     string `json:"model"`
	Error     string `json:"error"`
	LatencyMs int64  `json:"latency_ms"`
}
