package persistence

import "context"

// StreamRepository persists per-stream token accounting records
type StreamRepository interface {
	Create(ctx context.Context, record *StreamRecord) error
	Update(ctx context.Context, record *StreamRecord) error
	FindByStreamID(ctx context.Context, streamID string) (*StreamRecord, error)
	Aggregate(ctx context.Context, limit int) (*AggregatedUsage, error)
}

// EventProcessor handles asynchronous persistence events
type EventProcessor interface {
	ProcessEvent(event any) error
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
}

// StreamTracker records stream lifecycle transitions for accounting. All
// methods enqueue work; they never block on the database.
type StreamTracker interface {
	StreamOpened(ctx context.Context, streamID, model string) error
	StreamCompleted(ctx context.Context, event CompleteStreamEvent) error
	StreamFailed(ctx context.Context, event FailStreamEvent) error
}

// DatabaseManager abstracts database lifecycle for health checks
type DatabaseManager interface {
	Health(ctx context.Context) error
}
