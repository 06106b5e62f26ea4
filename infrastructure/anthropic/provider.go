package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-relay/domain/chat"

	"github.com/sirupsen/logrus"
)

// Provider relays chat requests to the Anthropic messages endpoint and
// decodes the event-stream response. The API key is held as an immutable
// copy for the provider's lifetime; it cannot change mid-flight for an
// in-progress stream.
type Provider struct {
	apiKey       string
	baseURL      string
	apiVersion   string
	betaFeatures string
	maxTokens    int
	httpClient   *http.Client
}

func NewProvider(apiKey, baseURL, apiVersion, betaFeatures string, maxTokens int) *Provider {
	// Configure HTTP client with connection pooling. No overall client
	// timeout: response bodies are unbounded event streams and no idle
	// timeout is enforced on them.
	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    false,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Provider{
		apiKey:       apiKey,
		baseURL:      baseURL,
		apiVersion:   apiVersion,
		betaFeatures: betaFeatures,
		maxTokens:    maxTokens,
		httpClient:   &http.Client{Transport: transport},
	}
}

// Stream POSTs the request and feeds the response byte stream through a
// decoding session, emitting events in wire order. Setup failures return
// before any event is emitted; model_selected is the first event of every
// stream that gets past setup. The context is honoured at every read, so a
// caller can abort an in-flight stream.
func (p *Provider) Stream(ctx context.Context, req *chat.Request, emit chat.EventHandler) error {
	if p.apiKey == "" {
		return fmt.Errorf("api key not set")
	}

	model := SelectModel(req.Model, req.Messages)

	payload, err := buildPayload(req, model, p.maxTokens)
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("x-api-key", p.apiKey)
	hreq.Header.Set("anthropic-version", p.apiVersion)
	if p.betaFeatures != "" {
		hreq.Header.Set("anthropic-beta", p.betaFeatures)
	}

	if err := emit(chat.ModelSelectedEvent(model)); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"stream_id": req.StreamID,
		"model":     model,
	}).Info("Dispatching chat stream")

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logrus.WithFields(logrus.Fields{
			"status":    resp.StatusCode,
			"body":      string(body),
			"model":     model,
			"stream_id": req.StreamID,
		}).Error("Anthropic API error")
		return fmt.Errorf("anthropic api error: status %d: %s", resp.StatusCode, string(body))
	}

	session := NewSession(emit)
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := session.Feed(buf[:n]); err != nil {
				return err
			}
			if session.Finished() {
				return nil
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr == io.EOF {
				if session.Finished() {
					return nil
				}
				// Upstream closed cleanly without message_stop: the response
				// is truncated and the consumer must not mistake it for a
				// complete one.
				return fmt.Errorf("stream truncated: connection closed before message_stop")
			}
			return fmt.Errorf("stream read: %w", rerr)
		}
	}
}
