package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/josernestodavila/the-eye/config"
	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/services"
	"github.com/josernestodavila/the-eye/internal/tracing"
)

// Publisher sends validated submissions to the work queue. The ingestion
// endpoint depends on this interface rather than a process-wide dispatcher, so
// the queue client is injected where it is used.
type Publisher interface {
	SendMessage(ctx context.Context, body interface{}) error
	Close(ctx context.Context) error
}

// serviceBusPublisher implements Publisher on Azure Service Bus
type serviceBusPublisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

// NewPublisher creates a new Service Bus publisher for the ingestion queue
func NewPublisher(cfg config.ServiceBusConfig) (Publisher, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &serviceBusPublisher{
		client: client,
		sender: sender,
	}, nil
}

// SendMessage sends a message to the ingestion queue
func (p *serviceBusPublisher) SendMessage(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message body")
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": "ingestion-api",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	return p.sender.SendMessage(ctx, msg, nil)
}

// Close closes the publisher
func (p *serviceBusPublisher) Close(ctx context.Context) error {
	if p.sender != nil {
		if err := p.sender.Close(ctx); err != nil {
			return err
		}
	}

	if p.client != nil {
		return p.client.Close(ctx)
	}

	return nil
}

// MessageHandler processes one received queue message.
type MessageHandler func(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error

// settler is the subset of the Service Bus receiver used to settle a
// peek-locked message.
type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

// Consumer pulls messages from the ingestion queue in peek-lock mode and
// settles each one according to the processing outcome: complete on success,
// dead-letter for poison messages, abandon for transient failures so the queue
// redelivers until the delivery budget runs out.
type Consumer struct {
	client   *azservicebus.Client
	queue    string
	batch    int
	itemTime time.Duration
	maxDeliv uint32
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// NewConsumer creates a new Service Bus consumer
func NewConsumer(cfg config.ServiceBusConfig, worker config.WorkerConfig, collector *metrics.Metrics, tracer tracing.Tracer) (*Consumer, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &Consumer{
		client:   client,
		queue:    cfg.QueueName,
		batch:    worker.BatchSize,
		itemTime: worker.ItemTimeout,
		maxDeliv: worker.MaxDeliveryCount,
		metrics:  collector,
		tracer:   tracer,
	}, nil
}

// ProcessMessages receives and processes messages until the context is
// cancelled.
func (c *Consumer) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	receiver, err := c.client.NewReceiverForQueue(c.queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer receiver.Close(context.Background())

	for {
		messages, err := receiver.ReceiveMessages(ctx, c.batch, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive messages, retrying")
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.metrics.SetGauge("pending_messages", int64(len(messages)))

		for _, message := range messages {
			c.processOne(ctx, receiver, message, handler)
		}
	}
}

func (c *Consumer) processOne(ctx context.Context, receiver settler, message *azservicebus.ReceivedMessage, handler MessageHandler) {
	txn := c.tracer.StartTransaction("process-event-message")
	defer c.tracer.EndTransaction(txn)

	// Bound per-item processing time so one slow item cannot hold the lock
	// and head-of-line block the queue.
	itemCtx, cancel := context.WithTimeout(ctx, c.itemTime)
	defer cancel()

	err := handler(itemCtx, message, txn)
	if err == nil {
		if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
		}
		return
	}

	c.tracer.RecordError(txn, err)

	if services.IsPermanentError(err) {
		c.deadLetter(ctx, receiver, message, "ProcessingFailed", err)
		return
	}

	// Transient failure: the message goes back to the queue, but only until
	// the delivery budget is spent. After that it is a poison message and is
	// routed to the dead-letter path instead of blocking the queue.
	if message.DeliveryCount >= c.maxDeliv {
		c.deadLetter(ctx, receiver, message, "RetryBudgetExhausted", err)
		return
	}

	log.Warn().
		Err(err).
		Str("message_id", message.MessageID).
		Uint32("delivery_count", message.DeliveryCount).
		Msg("Transient processing failure, abandoning message for redelivery")

	c.metrics.IncrementCounter(metrics.MessagesAbandoned)
	if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
	}
}

func (c *Consumer) deadLetter(ctx context.Context, receiver settler, message *azservicebus.ReceivedMessage, reason string, cause error) {
	description := cause.Error()

	log.Error().
		Err(cause).
		Str("message_id", message.MessageID).
		Str("reason", reason).
		Msg("Dead-lettering message")

	c.metrics.IncrementCounter(metrics.MessagesDeadLettered)

	err := receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &description,
	})
	if err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to dead-letter message")
	}
}
