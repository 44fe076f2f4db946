package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/humtech/bookingbot/internal/tenant"
)

// Publisher is the broker surface AMQPMessenger needs. shared/rabbitmq.Client
// satisfies it.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// AMQPMessenger hands outbound messages to a message broker instead of
// calling the provider directly. A downstream gateway owns the actual
// delivery and reports back out of band.
type AMQPMessenger struct {
	publisher Publisher
}

func NewAMQPMessenger(publisher Publisher) *AMQPMessenger {
	return &AMQPMessenger{publisher: publisher}
}

func (m *AMQPMessenger) Send(ctx context.Context, _ tenant.Credentials, req SendRequest) (SendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to encode send request: %w", err)
	}

	if err := m.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return SendResult{}, fmt.Errorf("failed to publish send request: %w", err)
	}

	// The broker path has no synchronous provider id. The gateway patches
	// it in when delivery completes.
	return SendResult{ProviderMsgID: "amqp-" + req.MessageID}, nil
}
