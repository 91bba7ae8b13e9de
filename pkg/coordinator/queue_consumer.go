package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/fleetd/fleetd/pkg/broker"
	"github.com/fleetd/fleetd/pkg/observability"
	"github.com/fleetd/fleetd/pkg/raft"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Sender dispatches a command request to an agent
type Sender interface {
	Send(ctx context.Context, req *api.CommandRequest) (*api.Command, error)
}

// DefaultRetryLimit is the re-publish bound used by the coordinator CLI
const DefaultRetryLimit = 5

// QueueConfig configures the queue consumer's retry policy
type QueueConfig struct {
	// RetryLimit is how many times a request is re-published while no
	// agent is available. Zero disables retries.
	RetryLimit int
	// RetryDelay is the wait before a re-publish
	RetryDelay time.Duration
	// PriorityStep is added to the priority on every re-publish
	PriorityStep int
	// PublishAttempts bounds retries of a failing re-publish
	PublishAttempts int
	// StandbyInterval is how often an inactive consumer checks whether
	// it may consume again
	StandbyInterval time.Duration
}

// Validate fills defaults. Every retry must land on a strictly higher
// priority, so the retry chain has to fit in the broker's headroom.
func (c *QueueConfig) Validate() error {
	if c.RetryLimit < 0 {
		return fmt.Errorf("retry limit must not be negative: %d", c.RetryLimit)
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.PriorityStep <= 0 {
		c.PriorityStep = 1
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 3
	}
	if c.StandbyInterval <= 0 {
		c.StandbyInterval = 500 * time.Millisecond
	}
	if c.RetryLimit*c.PriorityStep > broker.RetryHeadroom {
		return fmt.Errorf("%d retries with priority step %d exceed the %d retry priority levels",
			c.RetryLimit, c.PriorityStep, broker.RetryHeadroom)
	}
	return nil
}

// EncodeRequest builds a queue message for req
func EncodeRequest(req *api.CommandRequest, priority int) (*broker.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command request: %w", err)
	}
	return &broker.Message{Body: body, Priority: priority}, nil
}

// QueueConsumer takes command requests off the broker one at a time and
// hands them to the router. Requests that find no idle agent are
// re-published later with a higher priority.
type QueueConsumer struct {
	config QueueConfig
	broker broker.Broker
	sender Sender
	logger *zap.Logger
	events *observability.EventStream
	active func() bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueueConsumer creates a consumer. events may be nil.
func NewQueueConsumer(config QueueConfig, b broker.Broker, sender Sender, logger *zap.Logger, events *observability.EventStream) (*QueueConsumer, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &QueueConsumer{
		config: config,
		broker: b,
		sender: sender,
		logger: logger,
		events: events,
	}, nil
}

// SetActive gates consumption on fn, checked before every receive. On
// a raft cluster only the leader may consume. Call before Start.
func (q *QueueConsumer) SetActive(fn func() bool) {
	q.active = fn
}

// Start begins consuming in a goroutine
func (q *QueueConsumer) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)

	q.logger.Info("Starting queue consumer",
		zap.Int("retry_limit", q.config.RetryLimit),
		zap.Duration("retry_delay", q.config.RetryDelay),
	)

	q.wg.Add(1)
	go q.consumeLoop(ctx)
	return nil
}

// Stop stops consuming and waits for scheduled re-publishes to settle
func (q *QueueConsumer) Stop() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("Queue consumer stopped")
	return nil
}

func (q *QueueConsumer) consumeLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		if q.active != nil && !q.active() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.config.StandbyInterval):
			}
			continue
		}

		msg, err := q.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			q.logger.Error("Failed to receive queue message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.config.RetryDelay):
			}
			continue
		}
		q.Handle(ctx, msg)
	}
}

// Handle processes one message and always acknowledges it
func (q *QueueConsumer) Handle(ctx context.Context, msg *broker.Message) {
	ctx, span := observability.StartSpan(ctx, tracerName, "QueueConsumer.Handle")
	observability.SetSpanAttributes(ctx,
		attribute.String("message.id", msg.ID),
		attribute.Int("message.attempt", msg.Attempt),
	)
	err := q.handle(ctx, msg)
	observability.EndSpan(span, err)

	if ackErr := q.broker.Ack(ctx, msg); ackErr != nil {
		q.logger.Error("Failed to ack queue message",
			zap.String("message_id", msg.ID),
			zap.Error(ackErr),
		)
	}
}

func (q *QueueConsumer) handle(ctx context.Context, msg *broker.Message) error {
	var req api.CommandRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		observability.QueueMessagesTotal.WithLabelValues("malformed").Inc()
		q.logger.Error("Dropping malformed queue message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return err
	}

	cmd, err := q.sender.Send(ctx, &req)
	switch {
	case err == nil:
		observability.QueueMessagesTotal.WithLabelValues("sent").Inc()
		q.logger.Debug("Queued command sent",
			zap.String("message_id", msg.ID),
			zap.String("command_id", cmd.ID),
		)
		return nil

	case errors.Is(err, raft.ErrNotLeader):
		// Leadership moved between receive and send. The request was
		// never dispatched, so hand it back unchanged.
		observability.QueueMessagesTotal.WithLabelValues("handed_back").Inc()
		q.logger.Warn("Lost leadership, handing queued command back",
			zap.String("message_id", msg.ID),
			zap.String("zone", req.Path.Zone),
		)
		q.republish(ctx, msg, &broker.Message{Body: msg.Body, Priority: msg.Priority, Attempt: msg.Attempt})
		return nil

	case api.IsNotAvailable(err):
		if msg.Attempt >= q.config.RetryLimit {
			observability.QueueMessagesTotal.WithLabelValues("exhausted").Inc()
			q.events.RecordEvent(ctx, observability.NewCommandDroppedEvent(req.Path.Zone, err.Error(), msg.Attempt))
			q.logger.Warn("Dropping queued command after retries",
				zap.String("message_id", msg.ID),
				zap.String("zone", req.Path.Zone),
				zap.Int("attempts", msg.Attempt),
				zap.Error(err),
			)
			return err
		}
		q.scheduleRetry(ctx, msg)
		return nil

	default:
		observability.QueueMessagesTotal.WithLabelValues("failed").Inc()
		q.logger.Error("Dropping queued command",
			zap.String("message_id", msg.ID),
			zap.String("zone", req.Path.Zone),
			zap.Error(err),
		)
		return err
	}
}

// scheduleRetry re-publishes msg after the retry delay with a strictly
// higher priority
func (q *QueueConsumer) scheduleRetry(ctx context.Context, msg *broker.Message) {
	next := &broker.Message{
		Body:     msg.Body,
		Priority: msg.Priority + q.config.PriorityStep,
		Attempt:  msg.Attempt + 1,
	}
	observability.QueueMessagesTotal.WithLabelValues("requeued").Inc()
	observability.QueueRequeuePriority.Observe(float64(next.Priority))
	q.republish(ctx, msg, next)
}

// republish publishes next in the background after the retry delay
func (q *QueueConsumer) republish(ctx context.Context, msg, next *broker.Message) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		for i := 0; i < q.config.PublishAttempts; i++ {
			select {
			case <-ctx.Done():
				q.logger.Warn("Re-publish abandoned on shutdown", zap.String("message_id", msg.ID))
				return
			case <-time.After(q.config.RetryDelay):
			}

			err := q.broker.Publish(ctx, next)
			if err == nil {
				q.logger.Debug("Re-published queued command",
					zap.String("message_id", msg.ID),
					zap.Int("attempt", next.Attempt),
					zap.Int("priority", next.Priority),
				)
				return
			}
			q.logger.Warn("Failed to re-publish queued command",
				zap.String("message_id", msg.ID),
				zap.Int("try", i+1),
				zap.Error(err),
			)
		}
		observability.QueueMessagesTotal.WithLabelValues("republish_failed").Inc()
	}()
}
