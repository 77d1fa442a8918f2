package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/events"
)

const (
	defaultConnectTries = 4
	readChunkSize       = 4 * 1024
)

// ErrStreamTruncated indicates the stream ended mid-frame.
var ErrStreamTruncated = errors.New("event stream ended mid-frame")

// GenerateRequest describes one generation run.
type GenerateRequest struct {
	Prompt    string `json:"prompt"`
	Kind      string `json:"kind,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// Handler consumes typed pipeline events in stream order.
type Handler func(Event)

// ClientOption configures Client construction.
type ClientOption func(*Client)

// WithHTTPClient configures the HTTP client used for pipeline requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger configures the structured logger used for stream diagnostics.
func WithLogger(logger *log.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithConnectTries configures how many connection attempts are made before
// giving up.
func WithConnectTries(tries uint) ClientOption {
	return func(client *Client) {
		if tries > 0 {
			client.connectTries = tries
		}
	}
}

// Client streams generation runs from the pipeline service.
//
// Connection establishment retries with exponential backoff; a stream that
// breaks after events were delivered is not resumed, matching the one-shot
// semantics of a generation run.
type Client struct {
	url          string
	token        string
	bus          events.Bus
	httpClient   *http.Client
	logger       *log.Logger
	connectTries uint
}

// NewClient builds a pipeline client from config. The bearer token is
// resolved once at construction.
func NewClient(cfg *config.Config, bus events.Bus, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	url := strings.TrimSpace(cfg.PipelineURL)
	if url == "" {
		return nil, errors.New("pipeline url is required")
	}

	client := &Client{
		url:          url,
		token:        cfg.Token(),
		bus:          bus,
		httpClient:   &http.Client{},
		logger:       log.Default(),
		connectTries: defaultConnectTries,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// Generate starts one generation run and delivers its events to handler in
// stream order. It returns once the stream closes; a terminal error event
// or a broken stream is returned as an error.
func (c *Client) Generate(ctx context.Context, request GenerateRequest, handler Handler) error {
	if c == nil {
		return errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(request.Prompt) == "" {
		return errors.New("prompt is required")
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode generate request: %w", err)
	}

	response, err := c.connect(ctx, body)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	return c.stream(ctx, response.Body, handler)
}

// connect opens the event stream, retrying transient failures with
// exponential backoff. Client errors (4xx) are not retried.
func (c *Client) connect(ctx context.Context, body []byte) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build generate request: %w", err))
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Accept", "text/event-stream")
		if c.token != "" {
			request.Header.Set("Authorization", "Bearer "+c.token)
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			c.logger.With("error", err).Warn("pipeline connect failed")
			return nil, err
		}
		if response.StatusCode >= http.StatusInternalServerError {
			_ = response.Body.Close()
			err := fmt.Errorf("pipeline returned status %d", response.StatusCode)
			c.logger.With("status", response.StatusCode).Warn("pipeline connect failed")
			return nil, err
		}
		if response.StatusCode >= http.StatusBadRequest {
			_ = response.Body.Close()
			return nil, backoff.Permanent(fmt.Errorf("pipeline rejected request with status %d", response.StatusCode))
		}
		return response, nil
	}

	response, err := backoff.Retry(
		ctx,
		operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.connectTries),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to pipeline: %w", err)
	}
	return response, nil
}

func (c *Client) stream(ctx context.Context, reader io.Reader, handler Handler) error {
	var decoder Decoder
	buf := make([]byte, readChunkSize)
	started := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := reader.Read(buf)
		if n > 0 {
			for _, frame := range decoder.Feed(buf[:n]) {
				event := Parse(frame)
				c.publish(event)
				if handler != nil {
					handler(event)
				}
				if event.Type == TypeError {
					return fmt.Errorf("pipeline failed: %s", event.Failure.Message)
				}
			}
		}
		if readErr == io.EOF {
			if decoder.Pending() {
				return ErrStreamTruncated
			}
			c.logger.With("duration", time.Since(started)).Info("generation stream closed")
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read event stream: %w", readErr)
		}
	}
}

func (c *Client) publish(event Event) {
	busEvent := events.Event{
		EntityType: "pipeline",
		Payload:    event,
		Severity:   events.SeverityInfo,
	}
	switch event.Type {
	case TypeStatus, TypeMessage:
		busEvent.Type = events.EventTypePipelineStatus
	case TypeNode:
		busEvent.Type = events.EventTypePipelineNode
	case TypeArtifact:
		busEvent.Type = events.EventTypePipelineArtifact
	case TypeError:
		busEvent.Type = events.EventTypeSystemAlert
		busEvent.Severity = events.SeverityError
	default:
		busEvent.Type = events.EventTypePipelineStatus
	}
	c.bus.Publish(busEvent)
}
