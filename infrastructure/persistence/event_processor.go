package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chat-relay/domain/persistence"

	"github.com/sirupsen/logrus"
)

// EventProcessor implements persistence.EventProcessor: a worker pool that
// drains accounting events off a buffered channel so the relay hot path
// never blocks on the database.
type EventProcessor struct {
	streamRepo  persistence.StreamRepository
	eventChan   chan any
	workerCount int
	bufferSize  int

	// State management
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	isRunning      atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(streamRepo persistence.StreamRepository, workerCount, bufferSize int) *EventProcessor {
	if workerCount <= 0 {
		workerCount = 5
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &EventProcessor{
		streamRepo:  streamRepo,
		eventChan:   make(chan any, bufferSize),
		workerCount: workerCount,
		bufferSize:  bufferSize,
	}
}

// Start begins processing events from the channel
func (ep *EventProcessor) Start(ctx context.Context) error {
	if ep.isRunning.Load() {
		return fmt.Errorf("event processor is already running")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.isRunning.Store(true)

	for i := 0; i < ep.workerCount; i++ {
		ep.wg.Add(1)
		go ep.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": ep.workerCount,
		"buffer_size":  ep.bufferSize,
	}).Info("Accounting event processor started")

	return nil
}

// Stop gracefully shuts down the event processor
func (ep *EventProcessor) Stop() error {
	if !ep.isRunning.Load() {
		return nil
	}

	logrus.Info("Stopping accounting event processor...")

	ep.cancel()
	close(ep.eventChan)

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Accounting event processor stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Accounting event processor stop timed out")
	}

	ep.isRunning.Store(false)
	return nil
}

// ProcessEvent sends an event to be processed asynchronously
func (ep *EventProcessor) ProcessEvent(event any) error {
	if !ep.isRunning.Load() {
		return fmt.Errorf("event processor is not running")
	}

	select {
	case ep.eventChan <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event processor is shutting down")
	default:
		ep.errorCount.Add(1)
		logrus.Warn("Accounting event queue is full, dropping event")
		return fmt.Errorf("event processor queue is full")
	}
}

// Health returns the health status of the processor
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{
		IsRunning:      ep.isRunning.Load(),
		QueueSize:      len(ep.eventChan),
		ProcessedCount: ep.processedCount.Load(),
		ErrorCount:     ep.errorCount.Load(),
	}
}

// worker processes events from the channel
func (ep *EventProcessor) worker(workerID int) {
	defer ep.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Info("Accounting worker started")

	for {
		select {
		case event, ok := <-ep.eventChan:
			if !ok {
				logger.Info("Event channel closed, worker stopping")
				return
			}

			opCtx, cancel := context.WithTimeout(context.WithoutCancel(ep.ctx), 10*time.Second)
			if err := ep.processEvent(opCtx, event); err != nil {
				ep.errorCount.Add(1)
				logger.WithError(err).Error("Failed to process accounting event")
			} else {
				ep.processedCount.Add(1)
			}
			cancel()

		case <-ep.ctx.Done():
			logger.Info("Context cancelled, worker stopping")
			return
		}
	}
}

// processEvent handles individual events
func (ep *EventProcessor) processEvent(ctx context.Context, event any) error {
	switch e := event.(type) {
	case persistence.OpenStreamEvent:
		return ep.handleOpenStream(ctx, e)

	case persistence.CompleteStreamEvent:
		return ep.handleCompleteStream(ctx, e)

	case persistence.FailStreamEvent:
		return ep.handleFailStream(ctx, e)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

// handleOpenStream creates the pending accounting row for a started stream
func (ep *EventProcessor) handleOpenStream(ctx context.Context, event persistence.OpenStreamEvent) error {
	record := &persistence.StreamRecord{
		StreamID: event.StreamID,
		Model:    event.Model,
		Status:   persistence.StreamStatusPending,
	}

	if err := ep.streamRepo.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to create stream record: %w", err)
	}
	return nil
}

// handleCompleteStream writes the final tally. The open event for the same
// stream may still be queued behind us, so a missing row is retried briefly.
func (ep *EventProcessor) handleCompleteStream(ctx context.Context, event persistence.CompleteStreamEvent) error {
	record, err := ep.findWithRetry(ctx, event.StreamID)
	if err != nil {
		return fmt.Errorf("cannot complete accounting for unknown stream: %w", err)
	}

	record.Status = persistence.StreamStatusCompleted
	record.InputTokens = event.InputTokens
	record.OutputTokens = event.OutputTokens
	record.CacheReadTokens = event.CacheReadTokens
	record.CacheWriteTokens = event.CacheWriteTokens
	record.LatencyMs = event.LatencyMs

	return ep.streamRepo.Update(ctx, record)
}

// handleFailStream records a failed stream. Streams that failed before model
// selection have no pending row yet; one is created on the spot.
func (ep *EventProcessor) handleFailStream(ctx context.Context, event persistence.FailStreamEvent) error {
	record, err := ep.findWithRetry(ctx, event.StreamID)
	if err != nil {
		model := event.Model
		if model == "" {
			model = "unknown"
		}
		record = &persistence.StreamRecord{
			StreamID:  event.StreamID,
			Model:     model,
			Status:    persistence.StreamStatusFailed,
			Error:     event.Error,
			LatencyMs: event.LatencyMs,
		}
		return ep.streamRepo.Create(ctx, record)
	}

	record.Status = persistence.StreamStatusFailed
	record.Error = event.Error
	record.LatencyMs = event.LatencyMs

	return ep.streamRepo.Update(ctx, record)
}

// findWithRetry looks up a stream row, retrying while its create event may
// still be in flight on another worker.
func (ep *EventProcessor) findWithRetry(ctx context.Context, streamID string) (*persistence.StreamRecord, error) {
	var record *persistence.StreamRecord
	var err error

	for attempt := 0; attempt < 3; attempt++ {
		record, err = ep.streamRepo.FindByStreamID(ctx, streamID)
		if err == nil {
			return record, nil
		}

		if strings.Contains(err.Error(), "not found") {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}

		return nil, err
	}

	return nil, err
}

// StreamTracker implements persistence.StreamTracker using the event processor
type StreamTracker struct {
	processor persistence.EventProcessor
}

// NewStreamTracker creates a new stream tracker
func NewStreamTracker(processor persistence.EventProcessor) persistence.StreamTracker {
	return &StreamTracker{
		processor: processor,
	}
}

// StreamOpened records a newly started stream
func (st *StreamTracker) StreamOpened(ctx context.Context, streamID, model string) error {
	return st.processor.ProcessEvent(persistence.OpenStreamEvent{
		StreamID: streamID,
		Model:    model,
	})
}

// StreamCompleted records a stream's final tally
func (st *StreamTracker) StreamCompleted(ctx context.Context, event persistence.CompleteStreamEvent) error {
	return st.processor.ProcessEvent(event)
}

// StreamFailed records a failed stream
func (st *StreamTracker) StreamFailed(ctx context.Context, event persistence.FailStreamEvent) error {
	return st.processor.ProcessEvent(event)
}
