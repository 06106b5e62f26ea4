package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/domain/chat"
	"chat-relay/domain/persistence"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Service orchestrates chat stream relays. Each accepted request runs as one
// independent goroutine with its own cancellable context; sessions share
// nothing with each other.
type Service struct {
	relay     chat.RelayPort
	publisher chat.EventPublisher
	tracker   persistence.StreamTracker // optional
	recent    *lru.Cache[string, chat.StreamSummary]

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewService(relay chat.RelayPort, publisher chat.EventPublisher, tracker persistence.StreamTracker, recentCacheSize int) *Service {
	if recentCacheSize <= 0 {
		recentCacheSize = 128
	}
	// lru.New only fails on a non-positive size, which is guarded above.
	recent, _ := lru.New[string, chat.StreamSummary](recentCacheSize)

	return &Service{
		relay:     relay,
		publisher: publisher,
		tracker:   tracker,
		recent:    recent,
		active:    make(map[string]context.CancelFunc),
	}
}

// NewServiceWithoutTracking creates a service that does not persist token
// accounting.
func NewServiceWithoutTracking(relay chat.RelayPort, publisher chat.EventPublisher, recentCacheSize int) *Service {
	return NewService(relay, publisher, nil, recentCacheSize)
}

// StartStream validates the request and, if it is acceptable, starts the
// relay task and returns immediately. All results arrive later as published
// events keyed by the request's stream id.
func (s *Service) StartStream(req *chat.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.active[req.StreamID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("stream %q is already active", req.StreamID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.active[req.StreamID] = cancel
	s.mu.Unlock()

	go s.run(ctx, req)
	return nil
}

// CancelStream aborts an in-flight stream. It reports whether the stream id
// was active; the terminal error event is published by the relay task itself.
func (s *Service) CancelStream(streamID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[streamID]
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// ActiveStreams reports the number of in-flight relay tasks.
func (s *Service) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// RecentUsage returns the summary of a recently finished stream.
func (s *Service) RecentUsage(streamID string) (chat.StreamSummary, bool) {
	return s.recent.Get(streamID)
}

func (s *Service) release(streamID string) {
	s.mu.Lock()
	if cancel, ok := s.active[streamID]; ok {
		cancel()
		delete(s.active, streamID)
	}
	s.mu.Unlock()
}

// run drives one relay task to completion. It is the only goroutine that
// publishes for its stream id, which keeps the per-stream event order intact.
func (s *Service) run(ctx context.Context, req *chat.Request) {
	defer s.release(req.StreamID)

	start := time.Now()
	var model string
	var finalUsage *chat.Usage

	emit := func(ev chat.Event) error {
		switch ev.Type {
		case chat.EventModelSelected:
			model = ev.Content
			if s.tracker != nil {
				if err := s.tracker.StreamOpened(ctx, req.StreamID, model); err != nil {
					logrus.WithError(err).WithField("stream_id", req.StreamID).Warn("Failed to record stream start")
				}
			}
		case chat.EventUsage:
			if ev.Usage != nil {
				u := ev.Usage.Clone()
				finalUsage = &u
			}
		}

		s.publisher.Publish(req.StreamID, ev)
		return nil
	}

	err := s.relay.Stream(ctx, req, emit)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "stream cancelled by caller"
		}

		// The terminal error event is the only publish after a failure.
		s.publisher.Publish(req.StreamID, chat.ErrorEvent(msg))

		logrus.WithError(err).WithFields(logrus.Fields{
			"stream_id":  req.StreamID,
			"model":      model,
			"latency_ms": latency,
		}).Error("Chat stream failed")

		s.recent.Add(req.StreamID, chat.StreamSummary{
			StreamID:    req.StreamID,
			Model:       model,
			Status:      string(persistence.StreamStatusFailed),
			Usage:       chat.NewUsage(),
			Error:       msg,
			LatencyMs:   latency,
			CompletedAt: time.Now().UTC(),
		})

		if s.tracker != nil {
			if terr := s.tracker.StreamFailed(context.WithoutCancel(ctx), persistence.FailStreamEvent{
				StreamID:  req.StreamID,
				Model:     model,
				Error:     msg,
				LatencyMs: latency,
			}); terr != nil {
				logrus.WithError(terr).WithField("stream_id", req.StreamID).Warn("Failed to record stream failure")
			}
		}
		return
	}

	usage := chat.NewUsage()
	if finalUsage != nil {
		usage = *finalUsage
	}

	logrus.WithFields(logrus.Fields{
		"stream_id":     req.StreamID,
		"model":         model,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"latency_ms":    latency,
	}).Info("Chat stream completed")

	s.recent.Add(req.StreamID, chat.StreamSummary{
		StreamID:    req.StreamID,
		Model:       model,
		Status:      string(persistence.StreamStatusCompleted),
		Usage:       usage,
		LatencyMs:   latency,
		CompletedAt: time.Now().UTC(),
	})

	if s.tracker != nil {
		event := persistence.CompleteStreamEvent{
			StreamID:     req.StreamID,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			LatencyMs:    latency,
		}
		if usage.CacheReadTokens != nil {
			event.CacheReadTokens = *usage.CacheReadTokens
		}
		if usage.CacheWriteTokens != nil {
			event.CacheWriteTokens = *usage.CacheWriteTokens
		}
		if terr := s.tracker.StreamCompleted(context.WithoutCancel(ctx), event); terr != nil {
			logrus.WithError(terr).WithField("stream_id", req.StreamID).Warn("Failed to record stream completion")
		}
	}
}
