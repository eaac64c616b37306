package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Freeeeeet/expert_scheduler/internal/apperr"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Ключи маршрутизации событий шлюза
const (
	RoutingSucceeded = "payment.succeeded"
	RoutingFailed    = "payment.failed"
	RoutingAbandoned = "payment.abandoned"
)

// ResultKeys все ключи, на которые подписывается потребитель
var ResultKeys = []string{RoutingSucceeded, RoutingFailed, RoutingAbandoned}

// ErrMalformedEvent сообщение не удалось разобрать
var ErrMalformedEvent = errors.New("malformed payment event")

// resultEvent формат сообщения шлюза
type resultEvent struct {
	Event   string `json:"event"`
	Version int    `json:"version"`
	Data    struct {
		PaymentID string            `json:"payment_id"`
		Reason    string            `json:"reason"`
		Amount    int64             `json:"amount"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"data"`
}

// DecodeResult разбирает сообщение шлюза по ключу маршрутизации
func DecodeResult(routingKey string, body []byte) (Result, error) {
	var status ResultStatus
	switch routingKey {
	case RoutingSucceeded:
		status = ResultSucceeded
	case RoutingFailed:
		status = ResultFailed
	case RoutingAbandoned:
		status = ResultAbandoned
	default:
		return Result{}, fmt.Errorf("%w: unknown routing key %q", ErrMalformedEvent, routingKey)
	}

	var evt resultEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Data.PaymentID == "" {
		return Result{}, fmt.Errorf("%w: empty payment_id", ErrMalformedEvent)
	}

	return Result{
		Reference: evt.Data.PaymentID,
		Status:    status,
		Reason:    evt.Data.Reason,
		Amount:    evt.Data.Amount,
		Metadata:  evt.Data.Metadata,
	}, nil
}

// CallbackConsumer читает результаты платежей из RabbitMQ
type CallbackConsumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	handler ResultHandler
	logger  *zap.Logger
}

// NewCallbackConsumer подключается к брокеру и привязывает очередь к событиям платежей
func NewCallbackConsumer(url, exchange, queue string, handler ResultHandler, logger *zap.Logger) (*CallbackConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, rk := range ResultKeys {
		if err := ch.QueueBind(q.Name, rk, exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("bind %s: %w", rk, err)
		}
	}

	return &CallbackConsumer{
		conn:    conn,
		ch:      ch,
		queue:   q.Name,
		handler: handler,
		logger:  logger,
	}, nil
}

// Run обрабатывает сообщения до отмены контекста или закрытия канала
func (c *CallbackConsumer) Run(ctx context.Context) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume payments: %w", err)
	}

	c.logger.Info("Payment consumer started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *CallbackConsumer) handle(ctx context.Context, d amqp.Delivery) {
	result, err := DecodeResult(d.RoutingKey, d.Body)
	if err != nil {
		c.logger.Error("Failed to decode payment event",
			zap.String("routing_key", d.RoutingKey),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := c.handler.ConfirmGatewayPayment(ctx, result); requeue(err) {
		c.logger.Error("Failed to confirm payment, requeue",
			zap.String("payment_id", result.Reference),
			zap.Error(err))
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
}

// requeue бизнес-исходы (конфликт, отказ в оплате) подтверждаются,
// повторная доставка нужна только при внутренних ошибках
func requeue(err error) bool {
	if err == nil {
		return false
	}
	return apperr.KindOf(err).Class() == apperr.ClassInternal
}

// Close закрывает канал и соединение
func (c *CallbackConsumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
