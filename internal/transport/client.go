package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/metrics"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
)

// Client sends MountRequests to a node's inbound queue and waits for the
// matching reply on a private reply queue, correlating by correlation id.
type Client struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	replyQueue string
	metrics    *metrics.TransportMetrics

	mu      sync.Mutex
	pending map[string]chan *MountResponse

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient dials the broker described by cfg and declares this client's
// private, exclusive, auto-delete reply queue.
func NewClient(cfg *config.BrokerConfig) (*Client, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat})
	if err != nil {
		return nil, dmserrors.NewTransportError("failed to connect to broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, dmserrors.NewTransportError("failed to open broker channel", err)
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, dmserrors.NewTransportError("failed to declare reply queue", err)
	}

	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, dmserrors.NewTransportError("failed to consume from reply queue", err)
	}

	c := &Client{
		conn:       conn,
		channel:    ch,
		replyQueue: replyQueue.Name,
		metrics:    metrics.NewTransportMetrics(),
		pending:    make(map[string]chan *MountResponse),
		closed:     make(chan struct{}),
	}
	go c.dispatchReplies(deliveries)
	return c, nil
}

func (c *Client) dispatchReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var resp MountResponse
		if err := json.Unmarshal(d.Body, &resp); err != nil {
			logger.Warn("discarding malformed RPC reply", logger.CorrelationID(d.CorrelationId), logger.Err(err))
			continue
		}

		c.mu.Lock()
		slot, ok := c.pending[d.CorrelationId]
		c.mu.Unlock()
		if !ok {
			// Reply arrived after Call gave up waiting (timeout already fired).
			continue
		}

		select {
		case slot <- &resp:
		default:
		}
	}
}

// Call publishes req to the node-scoped queue dms.<nodeID> and blocks until
// the matching reply arrives, timeout elapses, or ctx is done.
func (c *Client) Call(ctx context.Context, nodeID string, req *MountRequest, timeout time.Duration) (*MountResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanRPCCall, string(req.Action), req.BackupTarget.ID, req.Host, req.Job.ID)
	span.SetAttributes(telemetry.NodeID(nodeID))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		err = dmserrors.NewTransportError("failed to encode request", err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	corrID := uuid.NewString()
	slot := make(chan *MountResponse, 1)

	c.mu.Lock()
	c.pending[corrID] = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
	}()

	queueName := fmt.Sprintf("dms.%s", nodeID)
	start := time.Now()

	publishCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = c.channel.PublishWithContext(publishCtx, "", queueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		ReplyTo:       c.replyQueue,
		CorrelationId: corrID,
		Body:          body,
	})
	if err != nil {
		err = dmserrors.NewTransportError(fmt.Sprintf("failed to publish request to %s", queueName), err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	logger.InfoCtx(ctx, "sent RPC request",
		logger.Action(string(req.Action)), logger.Target(req.BackupTarget.ID),
		logger.Host(req.Host), logger.CorrelationID(corrID), logger.Node(nodeID))

	select {
	case resp := <-slot:
		c.metrics.ObserveCall(string(req.Action), time.Since(start))
		telemetry.SetAttributes(ctx, telemetry.Status(string(resp.Status)))
		return resp, nil
	case <-time.After(timeout):
		c.metrics.RecordCallTimeout(string(req.Action))
		err := dmserrors.NewTransportError(
			fmt.Sprintf("no reply from node %s within %s", nodeID, timeout), nil)
		telemetry.RecordError(ctx, err)
		return nil, err
	case <-ctx.Done():
		err := dmserrors.NewTransportError("request canceled", ctx.Err())
		telemetry.RecordError(ctx, err)
		return nil, err
	}
}

// Close releases the client's channel and connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if cerr := c.channel.Close(); cerr != nil {
			err = cerr
		}
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
