package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/observatory/memsearch/internal/indexer"
)

// StatusSubject carries consumer lifecycle events.
const StatusSubject = "observatory.consumers.status"

// queueFullNakDelay is how long redelivery is deferred when the batch queue
// is at capacity.
const queueFullNakDelay = 2 * time.Second

// Config configures the turn-finalized stream consumer.
type Config struct {
	URL               string
	Subject           string
	Group             string
	ServiceID         string
	HeartbeatInterval time.Duration
}

// Consumer is a durable stream subscriber that parses turn-finalized events
// into documents and enqueues them for batched indexing. Messages are
// acknowledged after a successful enqueue, before the actual upsert.
type Consumer struct {
	cfg    Config
	queue  *indexer.BatchQueue
	logger *slog.Logger

	nc  *nats.Conn
	sub *nats.Subscription

	cancelHeartbeat context.CancelFunc
	wg              sync.WaitGroup
}

// New creates a consumer feeding the given batch queue.
func New(cfg Config, queue *indexer.BatchQueue, logger *slog.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "memsearch-indexer"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, queue: queue, logger: logger}
}

// Start connects, subscribes durably, announces readiness, and begins
// heartbeating.
func (c *Consumer) Start(ctx context.Context) error {
	nc, err := nats.Connect(c.cfg.URL,
		nats.Name(c.cfg.ServiceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to stream: %w", err)
	}
	c.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("opening stream context: %w", err)
	}

	sub, err := js.QueueSubscribe(c.cfg.Subject, c.cfg.Group, c.handle,
		nats.Durable(c.cfg.Group),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	c.publishStatus("consumer_ready")

	hbCtx, cancel := context.WithCancel(context.Background())
	c.cancelHeartbeat = cancel
	c.wg.Add(1)
	go c.heartbeatLoop(hbCtx)

	c.logger.Info("consumer started",
		"subject", c.cfg.Subject,
		"group", c.cfg.Group,
		"service_id", c.cfg.ServiceID)
	return nil
}

// Stop unsubscribes, stops the heartbeat, drains the batch queue, announces
// disconnection, and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	if c.cancelHeartbeat != nil {
		c.cancelHeartbeat()
	}
	c.wg.Wait()

	c.queue.Stop()

	c.publishStatus("consumer_disconnected")
	if c.nc != nil {
		if err := c.nc.Flush(); err != nil {
			c.logger.Warn("flush on shutdown failed", "error", err)
		}
		c.nc.Close()
	}
	c.logger.Info("consumer stopped", "group", c.cfg.Group)
}

func (c *Consumer) handle(msg *nats.Msg) {
	doc, err := ParseTurnEvent(msg.Data)
	if err != nil {
		// Poison pill: parsing will never succeed, ack it away.
		c.logger.Warn("dropping malformed turn event", "subject", msg.Subject, "error", err)
		c.ack(msg)
		return
	}

	if err := c.queue.Add(doc); err != nil {
		if errors.Is(err, indexer.ErrQueueFull) {
			c.logger.Warn("batch queue full, deferring redelivery", "turn_id", doc.ID)
			if nakErr := msg.NakWithDelay(queueFullNakDelay); nakErr != nil {
				c.logger.Warn("nak failed", "turn_id", doc.ID, "error", nakErr)
			}
			return
		}
		c.logger.Error("enqueue failed", "turn_id", doc.ID, "error", err)
		c.ack(msg)
		return
	}

	c.ack(msg)
}

func (c *Consumer) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("ack failed", "subject", msg.Subject, "error", err)
	}
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishStatus("consumer_heartbeat")
		}
	}
}

type statusEvent struct {
	Type      string `json:"type"`
	GroupID   string `json:"group_id"`
	ServiceID string `json:"service_id"`
	Timestamp int64  `json:"timestamp"`
}

// publishStatus emits a lifecycle event on the status subject. Best-effort:
// failures are logged, never propagated.
func (c *Consumer) publishStatus(eventType string) {
	if c.nc == nil {
		return
	}
	payload, err := json.Marshal(statusEvent{
		Type:      eventType,
		GroupID:   c.cfg.Group,
		ServiceID: c.cfg.ServiceID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.logger.Warn("marshaling status event", "type", eventType, "error", err)
		return
	}
	if err := c.nc.Publish(StatusSubject, payload); err != nil {
		c.logger.Warn("publishing status event", "type", eventType, "error", err)
	}
}
