package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/metrics"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
)

// Handler processes one decoded MountRequest and returns the response to
// publish back to the caller. A returned error is turned into an
// ErrorResponse; Handler should prefer returning a populated MountResponse
// with Status=error itself when the error is domain-level (so the caller
// sees the specific message), reserving a Go error return for transport-
// level failures the server should log loudly.
type Handler func(ctx context.Context, req *MountRequest) (*MountResponse, error)

// Server consumes MountRequests from this node's inbound queue, one at a
// time (prefetch=1), and replies on the inbound message's reply-to queue.
type Server struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	nodeID    string
	handler   Handler
	metrics   *metrics.TransportMetrics
}

// NewServer dials the broker described by cfg and declares the durable,
// node-scoped inbound queue dms.<nodeID>.
func NewServer(cfg *config.BrokerConfig, nodeID string, handler Handler) (*Server, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: cfg.Heartbeat})
	if err != nil {
		return nil, dmserrors.NewTransportError("failed to connect to broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, dmserrors.NewTransportError("failed to open broker channel", err)
	}

	queueName := fmt.Sprintf("dms.%s", nodeID)
	_, err = ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-message-ttl": cfg.QueueTTL.Milliseconds(),
	})
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, dmserrors.NewTransportError(fmt.Sprintf("failed to declare queue %s", queueName), err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, dmserrors.NewTransportError("failed to set channel QoS", err)
	}

	return &Server{
		conn:      conn,
		channel:   ch,
		queueName: queueName,
		nodeID:    nodeID,
		handler:   handler,
		metrics:   metrics.NewTransportMetrics(),
	}, nil
}

// Serve consumes from the inbound queue until ctx is canceled. Each
// delivery is processed synchronously — prefetch=1 means a slow mount
// backpressures subsequent requests on this node by design.
func (s *Server) Serve(ctx context.Context) error {
	deliveries, err := s.channel.Consume(s.queueName, "", false, false, false, false, nil)
	if err != nil {
		return dmserrors.NewTransportError("failed to start consuming", err)
	}

	logger.Info("RPC server listening", logger.Queue(s.queueName))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return dmserrors.NewTransportError("broker delivery channel closed", nil)
			}
			s.process(ctx, d)
		}
	}
}

func (s *Server) process(ctx context.Context, d amqp.Delivery) {
	start := time.Now()

	var req MountRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		logger.Error("discarding malformed RPC request", logger.Err(err))
		_ = d.Nack(false, false)
		return
	}

	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanRPCServe, string(req.Action), req.BackupTarget.ID, req.Host, req.Job.ID)
	span.SetAttributes(telemetry.NodeID(s.nodeID))
	defer span.End()

	lc := logger.NewLogContext(string(req.Action), req.BackupTarget.ID, req.Host).
		WithJob(req.Job.ID).
		WithNode(s.nodeID).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	logger.InfoCtx(ctx, "handling RPC request",
		logger.Action(string(req.Action)), logger.Target(req.BackupTarget.ID), logger.Host(req.Host),
		logger.CorrelationID(d.CorrelationId))

	resp, err := s.handler(ctx, &req)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "RPC handler returned error", logger.Err(err))
		resp = ErrorResponse(err.Error())
	} else {
		telemetry.SetAttributes(ctx, telemetry.Status(string(resp.Status)))
	}

	s.metrics.ObserveServerHandle(string(req.Action), time.Since(start))
	s.reply(ctx, d, resp)
}

func (s *Server) reply(ctx context.Context, d amqp.Delivery, resp *MountResponse) {
	if d.ReplyTo == "" {
		_ = d.Ack(false)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to encode RPC reply", logger.Err(err))
		_ = d.Nack(false, true)
		return
	}

	err = s.channel.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		logger.ErrorCtx(ctx, "failed to publish RPC reply, will redeliver", logger.Err(err))
		_ = d.Nack(false, true)
		return
	}

	// Ack only after a successful publish: a crash between handling and
	// acking causes the broker to redeliver, so handlers must be idempotent.
	_ = d.Ack(false)
}

// Close releases the server's channel and connection.
func (s *Server) Close() error {
	if err := s.channel.Close(); err != nil {
		return err
	}
	return s.conn.Close()
}
